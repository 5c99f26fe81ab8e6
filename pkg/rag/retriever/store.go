package retriever

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrStoreCorrupted means the vector file and the metadata file disagree or one of
// them cannot be decoded. Nothing is loaded in that case.
var ErrStoreCorrupted = errors.New("rag store corrupted")

const (
	IndexFileName = "index.npy"
	MetaFileName  = "meta.jsonl"
)

// Chunk is one metadata line of meta.jsonl.
type Chunk struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Namespace    string   `json:"namespace"`
	Systems      []string `json:"systems"`
	Text         string   `json:"text"`
	ImagePath    string   `json:"image_path,omitempty"`
	Images       []string `json:"images,omitempty"`
	DocTitle     string   `json:"doc_title,omitempty"`
	SectionTitle string   `json:"section_title,omitempty"`
	TocPath      []string `json:"toc_path,omitempty"`
	Source       string   `json:"source,omitempty"`
	Page         *int     `json:"page,omitempty"`
	PageStart    *int     `json:"page_start,omitempty"`
	PageEnd      *int     `json:"page_end,omitempty"`
	Filename     string   `json:"filename,omitempty"`
}

func (c Chunk) typeOrDefault() string {
	if c.Type == "" {
		return "text"
	}
	return c.Type
}

func (c Chunk) namespaceOrDefault() string {
	if c.Namespace == "" {
		return "shared"
	}
	return c.Namespace
}

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows int
	Dim  int
	Data []float32
}

func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Dim : (i+1)*m.Dim]
}

// LoadStore reads index.npy and meta.jsonl from dir.
func LoadStore(dir string) (Matrix, []Chunk, error) {
	vecs, err := ReadNPY(filepath.Join(dir, IndexFileName))
	if err != nil {
		return Matrix{}, nil, err
	}
	meta, err := ReadMeta(filepath.Join(dir, MetaFileName))
	if err != nil {
		return Matrix{}, nil, err
	}
	if len(meta) != vecs.Rows {
		return Matrix{}, nil, fmt.Errorf("%w: meta=%d vs vecs=%d", ErrStoreCorrupted, len(meta), vecs.Rows)
	}
	return vecs, meta, nil
}

// ReadMeta parses one JSON object per non-blank line.
func ReadMeta(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open meta: %w", err)
	}
	defer f.Close()

	var out []Chunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var c Chunk
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%w: meta line %d: %v", ErrStoreCorrupted, line, err)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	return out, nil
}

var (
	npyMagic      = []byte("\x93NUMPY")
	npyDescrRe    = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	npyFortranRe  = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	npyShapeRe    = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
	errNPYVersion = errors.New("unsupported npy version")
)

// maxNPYBytes bounds the data section of an index read from a stream of
// unknown length.
const maxNPYBytes int64 = 1 << 32

// ReadNPY decodes a 2-D little-endian float32 array saved by numpy.save.
func ReadNPY(path string) (Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return Matrix{}, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	limit := maxNPYBytes
	if st, err := f.Stat(); err == nil {
		limit = st.Size()
	}
	m, err := decodeNPY(bufio.NewReader(f), limit)
	if err != nil {
		return Matrix{}, fmt.Errorf("%w: %s: %v", ErrStoreCorrupted, path, err)
	}
	return m, nil
}

// DecodeNPY is ReadNPY for an arbitrary stream. Errors wrap ErrStoreCorrupted.
func DecodeNPY(r io.Reader) (Matrix, error) {
	m, err := decodeNPY(r, maxNPYBytes)
	if err != nil {
		return Matrix{}, fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	}
	return m, nil
}

// decodeNPY refuses any shape whose data section would exceed limit bytes.
func decodeNPY(r io.Reader, limit int64) (Matrix, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Matrix{}, err
	}
	if !bytes.Equal(prefix[:6], npyMagic) {
		return Matrix{}, errors.New("bad npy magic")
	}

	var headerLen int
	switch prefix[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Matrix{}, err
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Matrix{}, err
		}
		headerLen = int(n)
	default:
		return Matrix{}, errNPYVersion
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Matrix{}, err
	}
	h := string(header)

	descr := npyDescrRe.FindStringSubmatch(h)
	if descr == nil || (descr[1] != "<f4" && descr[1] != "|f4") {
		return Matrix{}, fmt.Errorf("unsupported dtype in header %q", h)
	}
	if fo := npyFortranRe.FindStringSubmatch(h); fo != nil && fo[1] == "True" {
		return Matrix{}, errors.New("fortran-ordered arrays are not supported")
	}
	shapeMatch := npyShapeRe.FindStringSubmatch(h)
	if shapeMatch == nil {
		return Matrix{}, fmt.Errorf("missing shape in header %q", h)
	}
	var dims []int
	for _, part := range strings.Split(shapeMatch[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Matrix{}, fmt.Errorf("bad shape %q", shapeMatch[1])
		}
		dims = append(dims, n)
	}
	if len(dims) != 2 {
		return Matrix{}, fmt.Errorf("expected 2-D array, got shape %v", dims)
	}

	rows, dim := dims[0], dims[1]
	if rows < 0 || dim <= 0 {
		return Matrix{}, fmt.Errorf("invalid shape (%d, %d)", rows, dim)
	}
	if int64(rows) > limit/4/int64(dim) {
		return Matrix{}, fmt.Errorf("shape (%d, %d) exceeds %d bytes", rows, dim, limit)
	}
	raw := make([]byte, rows*dim*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Matrix{}, fmt.Errorf("short data section: %w", err)
	}
	data := make([]float32, rows*dim)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return Matrix{Rows: rows, Dim: dim, Data: data}, nil
}

// EncodeNPY writes m in npy v1 format. Used by tests and store tooling.
func EncodeNPY(w io.Writer, m Matrix) error {
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d), }", m.Rows, m.Dim)
	// magic(6) + version(2) + len(2) + header + '\n' must be a multiple of 64
	total := 10 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, v := range m.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
