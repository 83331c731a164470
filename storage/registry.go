package storage

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/brettbedarf/mtpstore"
)

// puoidRegistry is the persistent path to PUOID map together with the
// largest identifier ever issued. It is what keeps object identity
// stable across process restarts.
//
// On-disk layout, little-endian, unframed:
//
//	largest puoid      16 bytes
//	entry count        u32
//	per entry:
//	    path length    u32 (UTF-8 bytes, no terminator)
//	    path           path-length bytes
//	    puoid          16 bytes
type puoidRegistry struct {
	fs      afero.Fs
	path    string
	log     zerolog.Logger
	byPath  map[string]mtpstore.Puoid
	largest mtpstore.Puoid
}

func newPuoidRegistry(fs afero.Fs, path string, log zerolog.Logger) *puoidRegistry {
	return &puoidRegistry{
		fs:     fs,
		path:   path,
		log:    log,
		byPath: make(map[string]mtpstore.Puoid),
	}
}

func (r *puoidRegistry) lookup(path string) (mtpstore.Puoid, bool) {
	p, ok := r.byPath[path]
	return p, ok
}

func (r *puoidRegistry) insert(path string, puoid mtpstore.Puoid) {
	r.byPath[path] = puoid
	if r.largest.Less(puoid) {
		r.largest = puoid
	}
}

func (r *puoidRegistry) remove(path string) {
	delete(r.byPath, path)
}

// rename carries the registered identifier from oldPath to newPath.
func (r *puoidRegistry) rename(oldPath, newPath string) {
	if p, ok := r.byPath[oldPath]; ok {
		delete(r.byPath, oldPath)
		r.byPath[newPath] = p
	}
}

// sweep drops every entry whose path the live tree no longer contains,
// reclaiming identifiers of files deleted while the process was down.
func (r *puoidRegistry) sweep(live func(path string) bool) {
	for path := range r.byPath {
		if !live(path) {
			delete(r.byPath, path)
		}
	}
}

// load reads the registry file. Loading is best-effort: a short read at
// any point stops the load but keeps everything read so far. A missing
// or empty file is a fresh registry.
func (r *puoidRegistry) load() {
	file, err := r.fs.Open(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn().Err(err).Str("path", r.path).Msg("Cannot open puoid db")
		}
		return
	}
	defer file.Close()

	var largest mtpstore.Puoid
	if _, err := io.ReadFull(file, largest[:]); err != nil {
		return
	}
	r.largest = largest

	count, err := readU32(file)
	if err != nil {
		return
	}

	for i := uint32(0); i < count; i++ {
		pathLen, err := readU32(file)
		if err != nil {
			return
		}
		name := make([]byte, pathLen)
		if _, err := io.ReadFull(file, name); err != nil {
			return
		}
		var puoid mtpstore.Puoid
		if _, err := io.ReadFull(file, puoid[:]); err != nil {
			return
		}
		r.byPath[string(name)] = puoid
	}
}

// store rewrites the registry file. Any write failure truncates the
// file to zero rather than leaving a partial record behind.
func (r *puoidRegistry) store() {
	file, err := r.fs.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.path).Msg("Cannot open puoid db for writing")
		return
	}
	defer file.Close()

	if _, err := file.Write(r.largest[:]); err != nil {
		r.log.Warn().Err(err).Msg("Error writing largest puoid to db")
		truncateToZero(file)
		return
	}
	if err := writeU32(file, uint32(len(r.byPath))); err != nil {
		r.log.Warn().Err(err).Msg("Error writing puoid count to db")
		truncateToZero(file)
		return
	}

	for path, puoid := range r.byPath {
		if err := writeU32(file, uint32(len(path))); err != nil {
			r.log.Warn().Err(err).Msg("Error writing pathname length to db")
			truncateToZero(file)
			return
		}
		if _, err := file.WriteString(path); err != nil {
			r.log.Warn().Err(err).Msg("Error writing pathname to db")
			truncateToZero(file)
			return
		}
		if _, err := file.Write(puoid[:]); err != nil {
			r.log.Warn().Err(err).Msg("Error writing puoid to db")
			truncateToZero(file)
			return
		}
	}
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func truncateToZero(file afero.File) {
	if err := file.Truncate(0); err != nil {
		// Nothing more we can do; the loader tolerates short files.
		return
	}
}
