package protocol

// Limits are the sanity bounds applied while decoding.
type Limits struct {
	MaxPayloadBytes uint32
	MaxElements     int
	MaxStringBytes  int
	MaxDepth        int
	MaxTailRecords  int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 256 << 20,
		MaxElements:     1 << 24,
		MaxStringBytes:  16 << 20,
		MaxDepth:        64,
		MaxTailRecords:  1024,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if l.MaxElements == 0 {
		l.MaxElements = def.MaxElements
	}
	if l.MaxStringBytes == 0 {
		l.MaxStringBytes = def.MaxStringBytes
	}
	if l.MaxDepth == 0 {
		l.MaxDepth = def.MaxDepth
	}
	if l.MaxTailRecords == 0 {
		l.MaxTailRecords = def.MaxTailRecords
	}
	return l
}
