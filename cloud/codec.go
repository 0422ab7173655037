package cloud

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Scan is the JSON document robots publish and tools read from disk:
//
//	{"id": "robot-a", "dim": 2, "points": [[x, y], ...]}
type Scan struct {
	ID     string      `json:"id,omitempty"`
	Dim    int         `json:"dim"`
	Points [][]float64 `json:"points"`
}

// ToPointSet validates the scan and converts it to a point set.
func (s *Scan) ToPointSet() (*PointSet[float64], error) {
	dim := s.Dim
	if dim == 0 && len(s.Points) > 0 {
		dim = len(s.Points[0])
	}
	pts := make([]Point[float64], len(s.Points))
	for i, p := range s.Points {
		pts[i] = Point[float64](p)
	}
	return NewPointSet(dim, pts...)
}

// ScanFromPointSet builds the JSON document for ps.
func ScanFromPointSet[T Float](id string, ps *PointSet[T]) *Scan {
	s := &Scan{ID: id, Dim: ps.dim, Points: make([][]float64, len(ps.points))}
	for i, p := range ps.points {
		row := make([]float64, len(p))
		for j, c := range p {
			row[j] = float64(c)
		}
		s.Points[i] = row
	}
	return s
}

// ParseScanJSON parses a scan document.
func ParseScanJSON(data []byte) (*Scan, *PointSet[float64], error) {
	var s Scan
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil, fmt.Errorf("parsing JSON: %w", err)
	}
	ps, err := s.ToPointSet()
	if err != nil {
		return nil, nil, fmt.Errorf("scan %q: %w", s.ID, err)
	}
	return &s, ps, nil
}

// EncodeScanJSON writes ps as a scan document.
func EncodeScanJSON[T Float](w io.Writer, id string, ps *PointSet[T]) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(ScanFromPointSet(id, ps)); err != nil {
		return fmt.Errorf("encoding scan: %w", err)
	}
	return nil
}

// ParseScanFile reads a scan from disk. Files ending in .pcd are read as
// ASCII PCD, anything else as a (possibly zlib-compressed) JSON scan.
func ParseScanFile(path string) (*PointSet[float64], error) {
	if strings.EqualFold(filepath.Ext(path), ".pcd") {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		defer f.Close()
		return ParsePCD(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	_, ps, err := DecodeScanData(data)
	return ps, err
}

// DecodeScanData decodes an MQTT or file payload:
// - raw JSON scan document
// - zlib-compressed JSON scan document
func DecodeScanData(data []byte) (*Scan, *PointSet[float64], error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("empty data")
	}

	jsonBytes := data
	if data[0] != '{' {
		var err error
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, nil, fmt.Errorf("unknown format: not JSON or zlib-compressed")
		}
	}
	return ParseScanJSON(jsonBytes)
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}

// pcdHeader holds the PCD header lines ParsePCD uses.
type pcdHeader struct {
	fields []string
	size   []int
	typ    []string
	count  []int
	points int
	data   string
}

// axes returns the field indices of x, y and, when present, z.
func (h *pcdHeader) axes() ([]int, error) {
	find := func(name string) int {
		for i, f := range h.fields {
			if strings.EqualFold(f, name) {
				return i
			}
		}
		return -1
	}
	x, y := find("x"), find("y")
	if x < 0 || y < 0 {
		return nil, fmt.Errorf("pcd: FIELDS must include x and y, got %v", h.fields)
	}
	axes := []int{x, y}
	if z := find("z"); z >= 0 {
		axes = append(axes, z)
	}
	return axes, nil
}

func (h *pcdHeader) fieldCount(i int) int {
	if i < len(h.count) {
		return h.count[i]
	}
	return 1
}

func atoiAll(vals []string) ([]int, error) {
	out := make([]int, len(vals))
	for i, v := range vals {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// readPCDHeader consumes lines up to and including DATA.
func readPCDHeader(br *bufio.Reader) (*pcdHeader, int, error) {
	h := &pcdHeader{}
	width, height := 0, 1
	line := 0
	for {
		raw, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || raw == "") {
			if err == io.EOF {
				return nil, line, fmt.Errorf("pcd: missing DATA header")
			}
			return nil, line, fmt.Errorf("reading pcd header: %w", err)
		}
		line++
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.Fields(text)
		var perr error
		switch strings.ToUpper(parts[0]) {
		case "FIELDS":
			h.fields = parts[1:]
		case "SIZE":
			h.size, perr = atoiAll(parts[1:])
		case "TYPE":
			h.typ = parts[1:]
		case "COUNT":
			h.count, perr = atoiAll(parts[1:])
		case "WIDTH":
			width, perr = strconv.Atoi(parts[len(parts)-1])
		case "HEIGHT":
			height, perr = strconv.Atoi(parts[len(parts)-1])
		case "POINTS":
			h.points, perr = strconv.Atoi(parts[len(parts)-1])
		case "DATA":
			if len(parts) < 2 {
				return nil, line, fmt.Errorf("pcd line %d: DATA needs an encoding", line)
			}
			h.data = strings.ToLower(parts[1])
			if h.points == 0 {
				h.points = width * height
			}
			return h, line, nil
		}
		if perr != nil {
			return nil, line, fmt.Errorf("pcd line %d: %w", line, perr)
		}
		if err == io.EOF {
			return nil, line, fmt.Errorf("pcd: missing DATA header")
		}
	}
}

// ParsePCD reads a Point Cloud Data file with DATA ascii or DATA binary.
// Only the x, y and (when present) z fields are kept; other fields such as
// intensity are skipped.
func ParsePCD(r io.Reader) (*PointSet[float64], error) {
	br := bufio.NewReader(r)
	h, line, err := readPCDHeader(br)
	if err != nil {
		return nil, err
	}
	axes, err := h.axes()
	if err != nil {
		return nil, err
	}

	var pts []Point[float64]
	switch h.data {
	case "ascii":
		pts, err = readPCDASCII(br, h, axes, line)
	case "binary":
		pts, err = readPCDBinary(br, h, axes)
	default:
		return nil, fmt.Errorf("pcd: DATA %s is not supported", h.data)
	}
	if err != nil {
		return nil, err
	}
	return NewPointSet(len(axes), pts...)
}

func readPCDASCII(br *bufio.Reader, h *pcdHeader, axes []int, line int) ([]Point[float64], error) {
	// column of each field's first value; COUNT > 1 widens a field
	cols := make([]int, len(h.fields))
	width := 0
	for i := range h.fields {
		cols[i] = width
		width += h.fieldCount(i)
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var pts []Point[float64]
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		vals := strings.Fields(text)
		if len(vals) != width {
			return nil, fmt.Errorf("pcd line %d: %d values for %d columns", line, len(vals), width)
		}
		p := make(Point[float64], len(axes))
		for i, f := range axes {
			v, err := strconv.ParseFloat(vals[cols[f]], 64)
			if err != nil {
				return nil, fmt.Errorf("pcd line %d: %w", line, err)
			}
			p[i] = v
		}
		pts = append(pts, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pcd: %w", err)
	}
	return pts, nil
}

// readPCDBinary decodes little-endian packed records. Coordinate fields must
// be TYPE F with SIZE 4 or 8.
func readPCDBinary(br *bufio.Reader, h *pcdHeader, axes []int) ([]Point[float64], error) {
	if len(h.size) != len(h.fields) || len(h.typ) != len(h.fields) {
		return nil, fmt.Errorf("pcd: DATA binary needs SIZE and TYPE for each of %d fields", len(h.fields))
	}
	offsets := make([]int, len(h.fields))
	record := 0
	for i := range h.fields {
		offsets[i] = record
		record += h.size[i] * h.fieldCount(i)
	}
	for _, f := range axes {
		if !strings.EqualFold(h.typ[f], "F") || (h.size[f] != 4 && h.size[f] != 8) {
			return nil, fmt.Errorf("pcd: field %s must be TYPE F with SIZE 4 or 8", h.fields[f])
		}
	}
	if h.points < 0 || record == 0 {
		return nil, fmt.Errorf("pcd: bad POINTS %d or record size %d", h.points, record)
	}

	buf := make([]byte, h.points*record)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("pcd: reading %d binary points: %w", h.points, err)
	}
	pts := make([]Point[float64], h.points)
	for n := range pts {
		rec := buf[n*record : (n+1)*record]
		p := make(Point[float64], len(axes))
		for i, f := range axes {
			b := rec[offsets[f]:]
			if h.size[f] == 4 {
				p[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			} else {
				p[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
			}
		}
		pts[n] = p
	}
	return pts, nil
}
