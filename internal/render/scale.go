package render

// ScaledSize 限制最长边不超过 maxDim，按比例缩放并向下取整，短边至少为 1；超大正方形直接用 square×square；不放大
func ScaledSize(width, height, maxDim, square int) (int, int) {
	if maxDim <= 0 || width <= 0 || height <= 0 {
		return width, height
	}
	if width == height {
		if width > maxDim {
			return square, square
		}
		return width, height
	}
	if width > height {
		if width <= maxDim {
			return width, height
		}
		return maxDim, max(1, height*maxDim/width)
	}
	if height <= maxDim {
		return width, height
	}
	return max(1, width*maxDim/height), maxDim
}
