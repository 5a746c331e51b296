package block

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrMalformedPointer is returned when a stored pointer cannot be parsed.
var ErrMalformedPointer = errors.New("block: malformed pointer")

// Default name templates.
const (
	DefaultBlobNameFormat = "partition_%05d/blob_%05d"
	DefaultBlockIDFormat  = "%05d"
	DefaultPointerFormat  = "%05d_%05d"
)

// fixedWidth matches zero-padded integer verbs, which fmt.Sscanf would treat
// as a maximum width.
var fixedWidth = regexp.MustCompile(`%[0-9]+d`)

// Pointer identifies a block by blob and block sequence. Both are 1-based.
type Pointer struct {
	Blob  int
	Block int
}

func (p Pointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.Blob, p.Block)
}

// First is the very first block of a partition.
var First = Pointer{Blob: 1, Block: 1}

// Naming holds the format templates used for blob names, block ids and
// persisted pointers.
type Naming struct {
	BlobName string // fmt template taking (partition, blob)
	BlockID  string // fmt template taking (block)
	Pointer  string // fmt template taking (blob, block)
}

// DefaultNaming returns the default templates.
func DefaultNaming() Naming {
	return Naming{
		BlobName: DefaultBlobNameFormat,
		BlockID:  DefaultBlockIDFormat,
		Pointer:  DefaultPointerFormat,
	}
}

// WithDefaults fills empty templates.
func (n Naming) WithDefaults() Naming {
	d := DefaultNaming()
	if n.BlobName == "" {
		n.BlobName = d.BlobName
	}
	if n.BlockID == "" {
		n.BlockID = d.BlockID
	}
	if n.Pointer == "" {
		n.Pointer = d.Pointer
	}
	return n
}

// Blob returns the blob name for a partition's blob sequence.
func (n Naming) Blob(partition, blob int) string {
	return fmt.Sprintf(n.BlobName, partition, blob)
}

// BlockName returns the unencoded block id for a block sequence.
func (n Naming) BlockName(block int) string {
	return fmt.Sprintf(n.BlockID, block)
}

// FormatPointer renders p for persistence.
func (n Naming) FormatPointer(p Pointer) string {
	return fmt.Sprintf(n.Pointer, p.Blob, p.Block)
}

// ParsePointer parses a value written by FormatPointer.
func (n Naming) ParsePointer(s string) (Pointer, error) {
	var p Pointer
	if s == "" {
		return p, fmt.Errorf("%w: empty value", ErrMalformedPointer)
	}
	if _, err := fmt.Sscanf(s, fixedWidth.ReplaceAllString(n.Pointer, "%d"), &p.Blob, &p.Block); err != nil {
		return Pointer{}, fmt.Errorf("%w: %q: %v", ErrMalformedPointer, s, err)
	}
	if p.Blob < 1 || p.Block < 1 {
		return Pointer{}, fmt.Errorf("%w: %q: sequence out of range", ErrMalformedPointer, s)
	}
	// Sscanf stops at the last verb; anything it left unread is not ours.
	if n.FormatPointer(p) != s {
		return Pointer{}, fmt.Errorf("%w: %q: trailing or irregular input", ErrMalformedPointer, s)
	}
	return p, nil
}
