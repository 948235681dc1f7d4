package vector

import "math"

// Dot returns the inner product of two equally sized vectors.
func Dot(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1].
// Vectors of different length or with zero magnitude have similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return Clamp(similarity)
}

// Normalize returns a unit length copy of v. Zero vectors are copied unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// Centroid returns the unit length mean of the given vectors, accumulated in
// float64 in the order given. Returns nil for an empty input.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	sum := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	mean := make([]float32, len(sum))
	for i := range sum {
		mean[i] = float32(sum[i] / float64(len(vectors)))
	}
	return Normalize(mean)
}

// StepCentroid applies the running mean update
// centroid + (v - centroid) / count and re-normalises the result.
func StepCentroid(centroid, v []float32, count int) []float32 {
	next := make([]float32, len(centroid))
	for i := range centroid {
		c := float64(centroid[i])
		next[i] = float32(c + (float64(v[i])-c)/float64(count))
	}
	return Normalize(next)
}

// Clamp limits a similarity score to [-1, 1].
func Clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
