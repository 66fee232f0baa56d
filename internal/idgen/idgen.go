// Package idgen provides short, URL-safe identifiers backed by nanoid. Each
// entity kind carries its own three letter prefix so ids are self-describing.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	PrefixTable      = "tbl"
	PrefixField      = "fld"
	PrefixRecord     = "rec"
	PrefixChoice     = "cho"
	PrefixAttachment = "act"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 16

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Record returns a new record id.
func Record() (string, error) { return GenerateWithPrefix(PrefixRecord) }

// Field returns a new field id.
func Field() (string, error) { return GenerateWithPrefix(PrefixField) }

// Table returns a new table id.
func Table() (string, error) { return GenerateWithPrefix(PrefixTable) }

// Choice returns a new select choice id.
func Choice() (string, error) { return GenerateWithPrefix(PrefixChoice) }

// Attachment returns a new per-cell attachment id.
func Attachment() (string, error) { return GenerateWithPrefix(PrefixAttachment) }
