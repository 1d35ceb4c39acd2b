// Package nifti implements a minimal NIfTI-1 codec for the volumes the
// pipeline reads and writes: 3D scalar images and dense 3-vector
// deformation fields, stored as .nii or gzip-compressed .nii.gz files.
//
// Voxel data is surfaced as float64 regardless of the on-disk datatype so
// that all downstream math operates on one representation. Writing always
// uses float32 with a fixed little-endian layout, which keeps repeated
// runs byte-identical.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Header is the 348-byte NIfTI-1 header as defined by the official
// nifti1.h layout.
type Header struct {
	SizeofHdr      int32
	DataTypeUnused [10]int8
	DbNameUnused   [18]int8
	ExtentsUnused  int32
	SessionError   int16
	RegularUnused  int8
	DimInfo        int8
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
	SliceCode      int8
	XyztUnits      int8
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	GlmaxUnused    int32
	GlminUnused    int32
	Descrip        [80]int8
	AuxFile        [24]int8
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
	IntentName     [16]int8
	Magic          [4]int8
}

const (
	headerSize    = 348
	dataOffset    = 352
	dtUint8       = 2
	dtInt16       = 4
	dtInt32       = 8
	dtFloat32     = 16
	dtFloat64     = 64
	intentVector  = 1007
	unitsMillimtr = 2
)

// Image is a volume in memory. Data is stored x-fastest, with the vector
// component (if any) slowest: index = ((v*Nz+z)*Ny+y)*Nx+x. Scalar images
// have Nv == 1; deformation fields have Nv == 3.
type Image struct {
	Header Header
	Data   []float64
	Nx     int
	Ny     int
	Nz     int
	Nv     int
}

// NewImage creates a zero-filled scalar or vector image with the given
// dimensions and voxel spacing. The sform is a diagonal scaling matrix,
// which is sufficient for synthetic volumes and tests.
func NewImage(nx, ny, nz, nv int, pixdim [3]float64) *Image {
	img := &Image{
		Data: make([]float64, nx*ny*nz*nv),
		Nx:   nx, Ny: ny, Nz: nz, Nv: nv,
	}
	h := &img.Header
	h.SizeofHdr = headerSize
	h.Magic = [4]int8{'n', '+', '1', 0}
	h.Datatype = dtFloat32
	h.Bitpix = 32
	h.SclSlope = 1
	h.XyztUnits = unitsMillimtr
	h.VoxOffset = dataOffset
	if nv > 1 {
		h.Dim = [8]int16{5, int16(nx), int16(ny), int16(nz), 1, int16(nv), 1, 1}
		h.IntentCode = intentVector
	} else {
		h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	}
	h.Pixdim = [8]float32{1, float32(pixdim[0]), float32(pixdim[1]), float32(pixdim[2]), 0, 0, 0, 0}
	h.SformCode = 1
	h.SrowX = [4]float32{float32(pixdim[0]), 0, 0, 0}
	h.SrowY = [4]float32{0, float32(pixdim[1]), 0, 0}
	h.SrowZ = [4]float32{0, 0, float32(pixdim[2]), 0}
	return img
}

// NewImageLike creates a zero-filled image sharing ref's grid, spacing and
// orientation. nv selects the number of vector components.
func NewImageLike(ref *Image, nv int) *Image {
	img := NewImage(ref.Nx, ref.Ny, ref.Nz, nv, ref.VoxelSize())
	img.Header.SrowX = ref.Header.SrowX
	img.Header.SrowY = ref.Header.SrowY
	img.Header.SrowZ = ref.Header.SrowZ
	img.Header.SformCode = ref.Header.SformCode
	img.Header.QformCode = 0
	return img
}

// Dims returns the spatial dimensions and the number of vector components.
func (img *Image) Dims() (nx, ny, nz, nv int) {
	return img.Nx, img.Ny, img.Nz, img.Nv
}

// VoxelSize returns the voxel spacing in millimeters.
func (img *Image) VoxelSize() [3]float64 {
	return [3]float64{
		float64(img.Header.Pixdim[1]),
		float64(img.Header.Pixdim[2]),
		float64(img.Header.Pixdim[3]),
	}
}

// VoxelVolume returns the physical volume of one voxel in cubic millimeters.
func (img *Image) VoxelVolume() float64 {
	s := img.VoxelSize()
	return s[0] * s[1] * s[2]
}

// At returns the value at voxel (x, y, z), component v.
func (img *Image) At(x, y, z, v int) float64 {
	return img.Data[((v*img.Nz+z)*img.Ny+y)*img.Nx+x]
}

// Set stores a value at voxel (x, y, z), component v.
func (img *Image) Set(x, y, z, v int, val float64) {
	img.Data[((v*img.Nz+z)*img.Ny+y)*img.Nx+x] = val
}

// SameShape reports whether two images share spatial dimensions.
func SameShape(a, b *Image) bool {
	return a.Nx == b.Nx && a.Ny == b.Ny && a.Nz == b.Nz
}

// Affine returns the 4x4 voxel-to-world matrix from the sform rows. When
// no sform is present the spacing diagonal is used.
func (img *Image) Affine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	if img.Header.SformCode > 0 {
		for j := 0; j < 4; j++ {
			a.Set(0, j, float64(img.Header.SrowX[j]))
			a.Set(1, j, float64(img.Header.SrowY[j]))
			a.Set(2, j, float64(img.Header.SrowZ[j]))
		}
	} else {
		s := img.VoxelSize()
		a.Set(0, 0, s[0])
		a.Set(1, 1, s[1])
		a.Set(2, 2, s[2])
	}
	a.Set(3, 3, 1)
	return a
}

// Load reads a NIfTI-1 image from path, transparently decompressing
// .nii.gz files and honoring the header's byte order and scaling slope.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s: file shorter than NIfTI-1 header", path)
	}

	h := Header{}
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("%s: failed to parse header: %w", path, err)
	}
	// Dim[0] out of range means the file was written with the other
	// byte order.
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		order = binary.BigEndian
		h = Header{}
		if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
			return nil, fmt.Errorf("%s: failed to parse header: %w", path, err)
		}
	}
	if h.SizeofHdr != headerSize {
		return nil, fmt.Errorf("%s: invalid NIfTI-1 header size %d", path, h.SizeofHdr)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%s: dim[0]=%d outside [1,7]", path, h.Dim[0])
	}
	if h.Magic != [4]int8{'n', '+', '1', 0} {
		return nil, fmt.Errorf("%s: unsupported NIfTI magic (header and data must share one file)", path)
	}
	for i := int16(1); i <= h.Dim[0]; i++ {
		if h.Dim[i] < 1 {
			return nil, fmt.Errorf("%s: dim[%d]=%d is not positive", path, i, h.Dim[i])
		}
	}
	// The pipeline reads 3D scalar volumes and 5D vector fields; a 4D
	// time series has no meaning here and must not be read as one frame.
	if h.Dim[0] >= 4 && h.Dim[4] > 1 {
		return nil, fmt.Errorf("%s: time-series volumes are not supported (dim[4]=%d)", path, h.Dim[4])
	}

	nx, ny, nz := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if ny == 0 {
		ny = 1
	}
	if nz == 0 {
		nz = 1
	}
	nv := 1
	if h.Dim[0] >= 5 && h.Dim[5] > 1 {
		nv = int(h.Dim[5])
	}

	offset := int(h.VoxOffset)
	if offset < headerSize {
		offset = dataOffset
	}
	n := nx * ny * nz * nv
	data, err := decodeVoxels(raw[offset:], h.Datatype, n, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Apply the scaling slope when the writer recorded one.
	if h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		for i := range data {
			data[i] = float64(h.SclSlope)*data[i] + float64(h.SclInter)
		}
	}

	return &Image{Header: h, Data: data, Nx: nx, Ny: ny, Nz: nz, Nv: nv}, nil
}

func decodeVoxels(raw []byte, datatype int16, n int, order binary.ByteOrder) ([]float64, error) {
	data := make([]float64, n)
	switch datatype {
	case dtUint8:
		if len(raw) < n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", n, len(raw))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(raw[i])
		}
	case dtInt16:
		if len(raw) < 2*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 2*n, len(raw))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case dtInt32:
		if len(raw) < 4*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 4*n, len(raw))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case dtFloat32:
		if len(raw) < 4*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 4*n, len(raw))
		}
		for i := 0; i < n; i++ {
			data[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case dtFloat64:
		if len(raw) < 8*n {
			return nil, fmt.Errorf("truncated voxel data: need %d bytes, have %d", 8*n, len(raw))
		}
		for i := 0; i < n; i++ {
			data[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	return data, nil
}

// Save writes the image to path as float32, gzip-compressing when the
// path ends in .gz. The 4-byte extension flag after the header is zeroed.
func Save(img *Image, path string) error {
	h := img.Header
	h.SizeofHdr = headerSize
	h.Magic = [4]int8{'n', '+', '1', 0}
	h.Datatype = dtFloat32
	h.Bitpix = 32
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.SclInter = 0

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	buf.Write([]byte{0, 0, 0, 0})

	voxels := make([]byte, 4*len(img.Data))
	for i, v := range img.Data {
		binary.LittleEndian.PutUint32(voxels[4*i:], math.Float32bits(float32(v)))
	}
	buf.Write(voxels)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := io.Writer(f)
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to finish %s: %w", path, err)
		}
	}
	return f.Close()
}
