// Package nifti reads and writes NIfTI-1 volumes (.nii and .nii.gz).
//
// Only single-file images ("n+1" magic) holding a single 3D frame are
// supported. Geometry is taken from the sform when present, then the qform
// quaternion, then the raw pixel dimensions. Voxel data is exposed as
// float64 with scl_slope/scl_inter scaling already applied.
//
// Header layout follows the official definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"mrideface/internal/models"
)

// ErrUnsupportedFormat indicates a file that is not a readable single-file
// NIfTI-1 3D volume.
var ErrUnsupportedFormat = errors.New("unsupported volume format")

const (
	headerSize    = 348
	dataOffset    = 352 // header plus the 4-byte extension flag
	spatialUnitMM = 2   // NIFTI_UNITS_MM
	xformScanner  = 1   // NIFTI_XFORM_SCANNER_ANAT
)

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

var datatypeNames = map[int16]string{
	dtUint8:   "uint8",
	dtInt16:   "int16",
	dtInt32:   "int32",
	dtFloat32: "float32",
	dtFloat64: "float64",
	dtInt8:    "int8",
	dtUint16:  "uint16",
	dtUint32:  "uint32",
}

// header is the fixed 348-byte NIfTI-1 header.
type header struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DbNameUnused   [18]byte
	ExtentsUnused  int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      byte
	XyztUnits      byte
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	GlmaxUnused    int32
	GlminUnused    int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

var (
	magicSingle   = [4]byte{'n', '+', '1', 0}
	magicDetached = [4]byte{'n', 'i', '1', 0}
)

// Info summarizes a volume file's header without loading voxel data.
type Info struct {
	// Dims is the voxel count along x, y, z
	Dims [3]int

	// Spacing is the voxel size in mm
	Spacing [3]float64

	// Origin is the physical position of voxel (0,0,0)
	Origin [3]float64

	// Datatype is the on-disk voxel type name
	Datatype string

	// ByteOrder is "little" or "big"
	ByteOrder string

	// Compressed reports whether the file is gzip compressed
	Compressed bool
}

// Read loads a NIfTI-1 volume from path.
func Read(path string) (*models.Volume, error) {
	v, _, err := read(path, true)
	return v, err
}

// ReadInfo parses only the header of the volume at path.
func ReadInfo(path string) (Info, error) {
	_, info, err := read(path, false)
	return info, err
}

func read(path string, loadData bool) (*models.Volume, Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	compressed, err := isGzip(br)
	if err != nil {
		return nil, Info{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var r io.Reader = br
	if compressed {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, Info{}, fmt.Errorf("%w: bad gzip stream in %s", ErrUnsupportedFormat, path)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, Info{}, fmt.Errorf("%w: %s is too short for a NIfTI-1 header", ErrUnsupportedFormat, path)
	}

	hdr, order, err := decodeHeader(raw)
	if err != nil {
		return nil, Info{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}

	grid, err := gridFromHeader(hdr)
	if err != nil {
		return nil, Info{}, fmt.Errorf("%s: %w", path, err)
	}

	info := Info{
		Dims:       grid.Dims,
		Spacing:    grid.Spacing,
		Origin:     grid.Origin,
		Datatype:   datatypeNames[hdr.Datatype],
		ByteOrder:  orderName(order),
		Compressed: compressed,
	}
	if info.Datatype == "" {
		info.Datatype = fmt.Sprintf("code %d", hdr.Datatype)
	}
	if !loadData {
		return nil, info, nil
	}

	if _, ok := datatypeNames[hdr.Datatype]; !ok {
		return nil, info, fmt.Errorf("%w: datatype code %d in %s", ErrUnsupportedFormat, hdr.Datatype, path)
	}

	// Skip from the end of the header to the start of voxel data.
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
		return nil, info, fmt.Errorf("%w: %s truncated before voxel data", ErrUnsupportedFormat, path)
	}

	data, err := readVoxels(r, hdr, order, grid.NumVoxels())
	if err != nil {
		return nil, info, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, path, err)
	}

	applyScaling(data, hdr)

	vol, err := models.NewVolumeFromData(grid, data)
	if err != nil {
		return nil, info, fmt.Errorf("%s: %w", path, err)
	}
	return vol, info, nil
}

// isGzip peeks at the stream for the gzip magic bytes.
func isGzip(br *bufio.Reader) (bool, error) {
	head, err := br.Peek(2)
	if err != nil {
		return false, err
	}
	return head[0] == 0x1f && head[1] == 0x8b, nil
}

// decodeHeader parses the raw header bytes, trying little endian first and
// falling back to big endian when dim[0] lands outside [1, 7].
func decodeHeader(raw []byte) (header, binary.ByteOrder, error) {
	var hdr header
	var order binary.ByteOrder = binary.LittleEndian

	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return hdr, order, err
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
			return hdr, order, err
		}
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return hdr, order, fmt.Errorf("dim[0]=%d not in [1,7] in either byte order", hdr.Dim[0])
	}
	if hdr.SizeofHdr != headerSize {
		return hdr, order, fmt.Errorf("sizeof_hdr=%d, want %d", hdr.SizeofHdr, headerSize)
	}
	switch hdr.Magic {
	case magicSingle:
	case magicDetached:
		return hdr, order, errors.New("detached .hdr/.img pairs are not supported")
	default:
		return hdr, order, errors.New("missing NIfTI-1 magic")
	}
	if hdr.Dim[0] < 3 {
		return hdr, order, fmt.Errorf("need a 3D volume, got %dD", hdr.Dim[0])
	}
	for a := 4; a <= int(hdr.Dim[0]); a++ {
		if hdr.Dim[a] > 1 {
			return hdr, order, fmt.Errorf("multi-frame volume (dim[%d]=%d)", a, hdr.Dim[a])
		}
	}
	return hdr, order, nil
}

// gridFromHeader recovers the sampling geometry, preferring the sform
// affine, then the qform quaternion, then bare pixel dimensions.
func gridFromHeader(hdr header) (models.Grid, error) {
	grid := models.Grid{
		Dims: [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])},
	}

	switch {
	case hdr.SformCode > 0:
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for c := 0; c < 3; c++ {
			n := math.Sqrt(float64(rows[0][c])*float64(rows[0][c]) +
				float64(rows[1][c])*float64(rows[1][c]) +
				float64(rows[2][c])*float64(rows[2][c]))
			if n == 0 {
				return grid, fmt.Errorf("%w: sform column %d is zero", models.ErrInvalidGeometry, c)
			}
			grid.Spacing[c] = n
			for r := 0; r < 3; r++ {
				grid.Direction[r][c] = float64(rows[r][c]) / n
			}
		}
		grid.Origin = [3]float64{float64(hdr.SrowX[3]), float64(hdr.SrowY[3]), float64(hdr.SrowZ[3])}

	case hdr.QformCode > 0:
		grid.Spacing = [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])}
		grid.Origin = [3]float64{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}
		grid.Direction = quaternToDirection(
			float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD),
			float64(hdr.Pixdim[0]))

	default:
		grid.Spacing = [3]float64{float64(hdr.Pixdim[1]), float64(hdr.Pixdim[2]), float64(hdr.Pixdim[3])}
		grid.Direction = models.IdentityDirection()
	}

	if err := grid.Validate(); err != nil {
		return grid, err
	}
	return grid, nil
}

// quaternToDirection expands the qform quaternion (b,c,d) into a rotation
// matrix. qfac flips the z column for left-handed grids; a zero qfac is
// treated as +1 per the standard.
func quaternToDirection(b, c, d, qfac float64) [3][3]float64 {
	a := 1 - b*b - c*c - d*d
	if a < 0 {
		a = 0
	}
	a = math.Sqrt(a)
	if qfac >= 0 {
		qfac = 1
	} else {
		qfac = -1
	}
	return [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), qfac * 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, qfac * 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), qfac * (a*a + d*d - b*b - c*c)},
	}
}

// readVoxels decodes count voxels of the header's datatype into float64.
func readVoxels(r io.Reader, hdr header, order binary.ByteOrder, count int) ([]float64, error) {
	bytesPer := int(hdr.Bitpix) / 8
	if bytesPer <= 0 {
		return nil, fmt.Errorf("bad bitpix %d", hdr.Bitpix)
	}
	raw := make([]byte, count*bytesPer)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("truncated voxel data: %v", err)
	}

	data := make([]float64, count)
	switch hdr.Datatype {
	case dtUint8:
		for i := range data {
			data[i] = float64(raw[i])
		}
	case dtInt8:
		for i := range data {
			data[i] = float64(int8(raw[i]))
		}
	case dtInt16:
		for i := range data {
			data[i] = float64(int16(order.Uint16(raw[i*2:])))
		}
	case dtUint16:
		for i := range data {
			data[i] = float64(order.Uint16(raw[i*2:]))
		}
	case dtInt32:
		for i := range data {
			data[i] = float64(int32(order.Uint32(raw[i*4:])))
		}
	case dtUint32:
		for i := range data {
			data[i] = float64(order.Uint32(raw[i*4:]))
		}
	case dtFloat32:
		for i := range data {
			data[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		}
	case dtFloat64:
		for i := range data {
			data[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("datatype code %d", hdr.Datatype)
	}
	return data, nil
}

// applyScaling applies scl_slope/scl_inter in place. A zero slope means no
// scaling is stored.
func applyScaling(data []float64, hdr header) {
	slope := float64(hdr.SclSlope)
	inter := float64(hdr.SclInter)
	if slope == 0 || (slope == 1 && inter == 0) {
		return
	}
	for i := range data {
		data[i] = slope*data[i] + inter
	}
}

// Write stores a volume at path as float32 NIfTI-1, gzip compressed when the
// name ends in .gz. The grid geometry is recorded in the sform.
func Write(path string, v *models.Volume) error {
	if err := v.Grid.Validate(); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	if err := writeVolume(bw, v); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return nil
}

func writeVolume(w io.Writer, v *models.Volume) error {
	hdr := headerFromVolume(v)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Extension flag: four zero bytes mean no header extensions follow.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4*len(v.Data))
	for i, val := range v.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(val)))
	}
	_, err := w.Write(buf)
	return err
}

func headerFromVolume(v *models.Volume) header {
	var hdr header
	hdr.SizeofHdr = headerSize
	hdr.Regular = 'r'
	hdr.Dim = [8]int16{3, int16(v.Grid.Dims[0]), int16(v.Grid.Dims[1]), int16(v.Grid.Dims[2]), 1, 1, 1, 1}
	hdr.Datatype = dtFloat32
	hdr.Bitpix = 32
	hdr.Pixdim = [8]float32{1,
		float32(v.Grid.Spacing[0]), float32(v.Grid.Spacing[1]), float32(v.Grid.Spacing[2]),
		0, 0, 0, 0}
	hdr.VoxOffset = dataOffset
	hdr.SclSlope = 1
	hdr.XyztUnits = spatialUnitMM
	hdr.SformCode = xformScanner

	m, origin := v.Grid.IndexAffine()
	hdr.SrowX = [4]float32{float32(m[0][0]), float32(m[0][1]), float32(m[0][2]), float32(origin[0])}
	hdr.SrowY = [4]float32{float32(m[1][0]), float32(m[1][1]), float32(m[1][2]), float32(origin[1])}
	hdr.SrowZ = [4]float32{float32(m[2][0]), float32(m[2][1]), float32(m[2][2]), float32(origin[2])}

	min, max := v.MinMax()
	hdr.CalMin = float32(min)
	hdr.CalMax = float32(max)
	copy(hdr.Descrip[:], "mrideface")
	hdr.Magic = magicSingle
	return hdr
}

func orderName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return "big"
	}
	return "little"
}
