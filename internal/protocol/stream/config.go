package stream

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultBlockSize = 8192
	MinBlockSize     = 64
	MaxBlockSize     = 1 << 20

	// MaxFragment bounds a single inbound fragment announced by a record mark.
	MaxFragment = 1 << 26
)

var ErrInvalidConfig = errors.New("stream: invalid config")

// Config holds block sizes and the per-call transport timeout.
type Config struct {
	ReadBlockSize  int
	WriteBlockSize int
	Timeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadBlockSize:  DefaultBlockSize,
		WriteBlockSize: DefaultBlockSize,
		Timeout:        30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadBlockSize == 0 {
		c.ReadBlockSize = def.ReadBlockSize
	}
	if c.WriteBlockSize == 0 {
		c.WriteBlockSize = def.WriteBlockSize
	}
	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ReadBlockSize < MinBlockSize || c.ReadBlockSize > MaxBlockSize {
		return fmt.Errorf("%w: read block size %d outside [%d,%d]", ErrInvalidConfig, c.ReadBlockSize, MinBlockSize, MaxBlockSize)
	}
	if c.WriteBlockSize < MinBlockSize || c.WriteBlockSize > MaxBlockSize {
		return fmt.Errorf("%w: write block size %d outside [%d,%d]", ErrInvalidConfig, c.WriteBlockSize, MinBlockSize, MaxBlockSize)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}
