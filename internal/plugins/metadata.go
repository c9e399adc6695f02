package plugins

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/udactl/internal/protocol/typereg"
)

var (
	ErrPluginExists    = errors.New("plugin already declared")
	ErrInvalidMetadata = errors.New("invalid plugin metadata")
	// ErrUnavailable marks a plugin whose load failed while the registry
	// runs lenient. The load error is joined alongside it.
	ErrUnavailable = errors.New("plugin unavailable")
)

// Payload types for the standard methods.
const (
	TypeText = "PluginText"
	TypeInt  = "PluginInt"
)

var (
	textType = typereg.New(TypeText,
		typereg.String("value"),
		typereg.String("description"),
	)
	intType = typereg.New(TypeInt,
		typereg.Scalar("value", typereg.ElemInt32),
		typereg.String("description"),
	)
)

// Descriptors returns the payload types every registry installs.
func Descriptors() []*typereg.TypeDescriptor {
	return []*typereg.TypeDescriptor{textType, intType}
}

// ValidateName checks the plugin name format: lowercase letters and digits,
// single separators from ".-_", no separator at either end.
func ValidateName(name string) error {
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidMetadata, name)
	}
	return nil
}

// ValidateSpec checks a module declaration before the registry accepts it.
func ValidateSpec(spec ModuleSpec) error {
	if err := ValidateName(spec.Name); err != nil {
		return err
	}
	switch spec.Source {
	case SourceBuiltin:
	case SourceWasm:
		if strings.TrimSpace(spec.File) == "" {
			return fmt.Errorf("%w: %s: wasm module needs a file", ErrInvalidMetadata, spec.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown source %q", ErrInvalidMetadata, spec.Name, spec.Source)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func isValidName(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
