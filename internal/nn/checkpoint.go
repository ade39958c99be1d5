package nn

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Checkpoint file layout (little endian):
//
//	magic "DGTC" | uint32 version | uint32 tensor count
//	per tensor: uint32 name len | name | uint32 ndims | uint32 dims... | float32 data
var checkpointMagic = [4]byte{'D', 'G', 'T', 'C'}

const checkpointVersion = 1

// ErrBadCheckpoint marks an artifact that cannot be loaded into the
// current architecture: wrong magic, version, tensor set or shapes.
var ErrBadCheckpoint = errors.New("incompatible checkpoint")

// Save writes the network parameters atomically: the file appears either
// complete or not at all.
func Save(n *Network, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := writeCheckpoint(w, n.Parameters()); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace artifact: %w", err)
	}
	return nil
}

func writeCheckpoint(w io.Writer, params []*Param) error {
	if _, err := w.Write(checkpointMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(checkpointVersion)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(params))); err != nil {
		return err
	}

	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Name))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, p.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Shape))); err != nil {
			return err
		}
		for _, d := range p.Shape {
			if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a checkpoint into a fresh network. Every stored tensor must
// match the compiled architecture by name and shape; any mismatch fails
// the load rather than coercing values.
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	n := NewNetwork(0)
	if err := readCheckpoint(bufio.NewReader(f), n.Parameters()); err != nil {
		return nil, fmt.Errorf("load %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

func readCheckpoint(r io.Reader, params []*Param) error {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return fmt.Errorf("%w: short header", ErrBadCheckpoint)
	}
	if magic != checkpointMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadCheckpoint, magic[:])
	}

	var version, count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: short header", ErrBadCheckpoint)
	}
	if version != checkpointVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrBadCheckpoint, version, checkpointVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: short header", ErrBadCheckpoint)
	}
	if int(count) != len(params) {
		return fmt.Errorf("%w: %d tensors, architecture has %d", ErrBadCheckpoint, count, len(params))
	}

	for _, p := range params {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return fmt.Errorf("%w: truncated tensor table", ErrBadCheckpoint)
		}
		if nameLen > 256 {
			return fmt.Errorf("%w: tensor name length %d", ErrBadCheckpoint, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("%w: truncated tensor table", ErrBadCheckpoint)
		}
		if string(name) != p.Name {
			return fmt.Errorf("%w: tensor %q, architecture expects %q", ErrBadCheckpoint, name, p.Name)
		}

		var ndims uint32
		if err := binary.Read(r, binary.LittleEndian, &ndims); err != nil {
			return fmt.Errorf("%w: truncated tensor table", ErrBadCheckpoint)
		}
		if int(ndims) != len(p.Shape) {
			return fmt.Errorf("%w: tensor %q has %d dims, want %d", ErrBadCheckpoint, p.Name, ndims, len(p.Shape))
		}
		for i, want := range p.Shape {
			var d uint32
			if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
				return fmt.Errorf("%w: truncated tensor table", ErrBadCheckpoint)
			}
			if int(d) != want {
				return fmt.Errorf("%w: tensor %q dim %d is %d, want %d", ErrBadCheckpoint, p.Name, i, d, want)
			}
		}

		if err := binary.Read(r, binary.LittleEndian, p.Data); err != nil {
			return fmt.Errorf("%w: truncated tensor data for %q", ErrBadCheckpoint, p.Name)
		}
		for _, v := range p.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("%w: non-finite value in %q", ErrBadCheckpoint, p.Name)
			}
		}
	}
	return nil
}

// Checksum returns the hex SHA-256 of the artifact file.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
