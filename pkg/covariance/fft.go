package covariance

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2 performs a 2D Fast Fourier Transform on a rows x cols raster.
// The spectral method needs the full complex spectrum of a possibly
// rectangular image, so both passes use Gonum's complex FFT: first
// row-wise, then column-wise over the row results.
//
// Parameters:
//   - data: Input raster as a 1D array (row-major order)
//   - rows, cols: Raster dimensions
//
// Returns:
//   - The 2D FFT of the input as a 1D array of complex numbers
func fft2(data []float64, rows, cols int) []complex128 {
	spec := make([]complex128, rows*cols)
	for i, v := range data {
		spec[i] = complex(v, 0)
	}

	rowFFT := fourier.NewCmplxFFT(cols)
	rowBuf := make([]complex128, cols)
	for r := 0; r < rows; r++ {
		row := spec[r*cols : (r+1)*cols]
		rowFFT.Coefficients(rowBuf, row)
		copy(row, rowBuf)
	}

	colFFT := fourier.NewCmplxFFT(rows)
	colIn := make([]complex128, rows)
	colOut := make([]complex128, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			colIn[r] = spec[r*cols+c]
		}
		colFFT.Coefficients(colOut, colIn)
		for r := 0; r < rows; r++ {
			spec[r*cols+c] = colOut[r]
		}
	}

	return spec
}

// ifft2Real performs the inverse 2D FFT and returns the real part,
// normalized by the cell count so a fft2/ifft2Real round trip reproduces
// the input (Gonum's Sequence is unnormalized).
func ifft2Real(coeff []complex128, rows, cols int) []float64 {
	work := make([]complex128, len(coeff))
	copy(work, coeff)

	rowFFT := fourier.NewCmplxFFT(cols)
	rowBuf := make([]complex128, cols)
	for r := 0; r < rows; r++ {
		row := work[r*cols : (r+1)*cols]
		rowFFT.Sequence(rowBuf, row)
		copy(row, rowBuf)
	}

	colFFT := fourier.NewCmplxFFT(rows)
	colIn := make([]complex128, rows)
	colOut := make([]complex128, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			colIn[r] = work[r*cols+c]
		}
		colFFT.Sequence(colOut, colIn)
		for r := 0; r < rows; r++ {
			work[r*cols+c] = colOut[r]
		}
	}

	scale := 1.0 / float64(rows*cols)
	out := make([]float64, len(work))
	for i, v := range work {
		out[i] = real(v) * scale
	}
	return out
}

// fftshift2 rolls the raster by half its extent in both dimensions, moving
// the zero-lag sample to the image centre.
func fftshift2(data []float64, rows, cols int) []float64 {
	out := make([]float64, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dr := (r + rows/2) % rows
			dc := (c + cols/2) % cols
			out[dr*cols+dc] = data[r*cols+c]
		}
	}
	return out
}
