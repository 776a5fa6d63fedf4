package item

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentHash is the hex-encoded SHA-256 of a canonical descriptor.
type ContentHash string

func (h ContentHash) String() string { return string(h) }

// Short is a log-friendly prefix of the hash.
func (h ContentHash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// ParseContentHash accepts hex in either case and returns it lower-cased,
// the form Hash produces.
func ParseContentHash(s string) (ContentHash, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("content hash: want %d hex chars, got %d", sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return ContentHash(strings.ToLower(s)), nil
}

// Field markers. The order they are written in never changes.
const (
	fieldType byte = iota + 1
	fieldDisplayName
	fieldLore
	fieldEnchantments
	fieldDurability
	fieldTags
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

func writeU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func writeString(h hashWriter, tmp *[8]byte, s string) {
	writeU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

// Hash computes the content hash of d. It canonicalizes first, so callers
// may pass descriptors with unsorted enchantments or tags.
func Hash(d Descriptor) ContentHash {
	c := d.Canonical()
	h := sha256.New()
	var tmp [8]byte

	h.Write([]byte{fieldType})
	writeString(h, &tmp, c.Type)

	h.Write([]byte{fieldDisplayName})
	writeString(h, &tmp, c.DisplayName)

	h.Write([]byte{fieldLore})
	writeU64(h, &tmp, uint64(len(c.Lore)))
	for _, line := range c.Lore {
		writeString(h, &tmp, line)
	}

	h.Write([]byte{fieldEnchantments})
	writeU64(h, &tmp, uint64(len(c.Enchantments)))
	for _, e := range c.Enchantments {
		writeString(h, &tmp, e.ID)
		writeU64(h, &tmp, uint64(int64(e.Level)))
	}

	h.Write([]byte{fieldDurability})
	if c.Durability == nil {
		h.Write([]byte{0})
	} else {
		h.Write([]byte{1})
		writeU64(h, &tmp, uint64(int64(*c.Durability)))
	}

	h.Write([]byte{fieldTags})
	writeU64(h, &tmp, uint64(len(c.Tags)))
	for _, t := range c.Tags {
		writeString(h, &tmp, t.Key)
		h.Write([]byte{byte(t.Value.Kind)})
		switch t.Value.Kind {
		case TagString:
			writeString(h, &tmp, t.Value.Str)
		case TagInt:
			writeU64(h, &tmp, uint64(t.Value.Int))
		case TagBool:
			if t.Value.Bool {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}

	return ContentHash(hex.EncodeToString(h.Sum(nil)))
}

// Identity pairs a hash with the canonical descriptor it was derived from.
type Identity struct {
	Hash       ContentHash
	Descriptor Descriptor
}

func Identify(d Descriptor) Identity {
	c := d.Canonical()
	return Identity{Hash: Hash(c), Descriptor: c}
}
