package composite

import "image"

// DefaultBlockSize is the edge length of a processing block.
const DefaultBlockSize = 256

// Blocks tiles bounds into size×size rectangles in row-major order. Blocks on
// the right and bottom edges are clipped.
func Blocks(bounds image.Rectangle, size int) []image.Rectangle {
	if size <= 0 {
		size = DefaultBlockSize
	}
	if bounds.Empty() {
		return nil
	}
	cols := (bounds.Dx() + size - 1) / size
	rows := (bounds.Dy() + size - 1) / size
	out := make([]image.Rectangle, 0, cols*rows)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += size {
		for x := bounds.Min.X; x < bounds.Max.X; x += size {
			out = append(out, image.Rect(x, y, x+size, y+size).Intersect(bounds))
		}
	}
	return out
}
