// Package integrity links audit records into a SHA-256 hash chain.
//
// A sealed record carries prevHash, the hash of the record before it, and
// hash, the SHA-256 of the record's canonical JSON with the hash field
// removed. Editing, removing or reordering a sealed record breaks the chain
// at that point.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"

	"github.com/auditkit/auditkit/internal/compression"
	"github.com/auditkit/auditkit/pkg/errclass"
	"github.com/auditkit/auditkit/pkg/jsonutil"
)

const (
	FieldHash     = "hash"
	FieldPrevHash = "prevHash"
)

// Link is the chain position of one record.
type Link struct {
	Hash     string
	PrevHash string
	// Sealed is false for records written with the chain disabled.
	Sealed bool
}

// Seal adds prevHash and hash to an encoded record and returns the canonical
// sealed line together with its hash.
func Seal(line []byte, prevHash string) ([]byte, string, error) {
	rec, err := decodeObject(line)
	if err != nil {
		return nil, "", err
	}
	delete(rec, FieldHash)
	rec[FieldPrevHash] = prevHash

	hash, err := digest(rec)
	if err != nil {
		return nil, "", err
	}
	rec[FieldHash] = hash

	sealed, err := jsonutil.Encode(rec)
	if err != nil {
		return nil, "", errclass.ErrWrite.Wrap(err, "encode sealed record")
	}
	return sealed, hash, nil
}

// Check recomputes the hash of a stored line. An unsealed line returns a Link
// with Sealed false and no error; a mismatch returns ErrChainBroken.
func Check(line []byte) (Link, error) {
	rec, err := decodeObject(line)
	if err != nil {
		return Link{}, errclass.ErrParse.Wrap(err, "decode record")
	}
	stored, ok := rec[FieldHash].(string)
	if !ok {
		return Link{}, nil
	}
	prev, _ := rec[FieldPrevHash].(string)
	link := Link{Hash: stored, PrevHash: prev, Sealed: true}

	delete(rec, FieldHash)
	want, err := digest(rec)
	if err != nil {
		return link, err
	}
	if want != stored {
		return link, errclass.ErrChainBroken.WithMessagef("record hash mismatch: stored %s, computed %s", short(stored), short(want))
	}
	return link, nil
}

// LastHash returns the hash of the last sealed record in path, which may be
// gzip compressed. A missing or empty file returns "".
func LastHash(path string) (string, error) {
	r, err := compression.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer r.Close()

	var last string
	lr := compression.NewLineReader(r, 0)
	for {
		line, oversized, readErr := lr.Next()
		if !oversized && len(bytes.TrimSpace(line)) > 0 {
			// a tampered record still names the head that writers continue from
			if link, _ := Check(line); link.Sealed {
				last = link.Hash
			}
		}
		if readErr == io.EOF {
			return last, nil
		}
		if readErr != nil {
			return "", readErr
		}
	}
}

func decodeObject(line []byte) (map[string]any, error) {
	v, err := jsonutil.Decode(bytes.TrimSpace(line))
	if err != nil {
		return nil, errclass.ErrParse.Wrap(err, "decode record")
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, errclass.ErrParse.WithMessage("record is not a JSON object")
	}
	return rec, nil
}

func digest(rec map[string]any) (string, error) {
	data, err := jsonutil.Encode(rec)
	if err != nil {
		return "", errclass.ErrWrite.Wrap(err, "canonical encode")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
