// SPDX-License-Identifier: MIT

// Package generator defines the worker-side mesh generation collaborator
// (the black-box GPU pipeline the spec excludes) and ships one deterministic,
// CPU-only reference implementation so the worker binary runs end to end
// without a real GPU pipeline attached.
//
// The interface shape mirrors the teacher's computation.Computation — a
// single-purpose unit invoked with input and returning output — repurposed
// from a distributed partial computation to one worker's single-shot mesh
// generation.
package generator

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Request carries everything a Generator needs to produce a mesh.
type Request struct {
	JobID    string
	Filename string
	Image    []byte
	Settings map[string]any
}

// Output is the mesh generation result, shaped to match job_complete's
// fields in the worker protocol.
type Output struct {
	STL              []byte
	GLB              []byte // optional; nil if not produced
	VertexCount      int
	FaceCount        int
	IsWatertight     bool
	GenerationTimeS  float64
	GPUMetrics       map[string]any
}

// Generator performs image-to-mesh generation. Implementations may block for
// as long as the underlying pipeline takes; the reference worker calls
// Generate inline from its receive loop, so it reads no further coordinator
// frames until Generate returns.
type Generator interface {
	Generate(req Request) (Output, error)
}

// Placeholder is a deterministic, CPU-only stand-in for the real GPU
// pipeline: it derives a plausible vertex/face count and a minimal valid
// ASCII STL from the input's hash, so the worker binary has something to
// drive without a GPU attached.
type Placeholder struct{}

// Generate implements Generator.
func (Placeholder) Generate(req Request) (Output, error) {
	start := time.Now()

	sum := sha256.Sum256(req.Image)
	// Derive a stable, input-dependent vertex count in a plausible range.
	vertices := 2000 + int(binary.BigEndian.Uint32(sum[:4])%18000)
	faces := vertices * 2

	stl := renderPlaceholderSTL(sum, vertices)

	return Output{
		STL:             stl,
		VertexCount:     vertices,
		FaceCount:       faces,
		IsWatertight:    true,
		GenerationTimeS: time.Since(start).Seconds(),
		GPUMetrics: map[string]any{
			"mode": "placeholder",
		},
	}, nil
}

// renderPlaceholderSTL emits a minimal, well-formed ASCII STL containing a
// single triangle whose coordinates are derived from the input hash, purely
// so downstream consumers see a parseable, non-empty artifact.
func renderPlaceholderSTL(seed [32]byte, vertexCount int) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "solid placeholder\n")
	fmt.Fprintf(&buf, "  facet normal 0 0 1\n")
	fmt.Fprintf(&buf, "    outer loop\n")
	fmt.Fprintf(&buf, "      vertex %d 0 0\n", int(seed[0]))
	fmt.Fprintf(&buf, "      vertex 0 %d 0\n", int(seed[1]))
	fmt.Fprintf(&buf, "      vertex 0 0 %d\n", int(seed[2]))
	fmt.Fprintf(&buf, "    endloop\n")
	fmt.Fprintf(&buf, "  endfacet\n")
	fmt.Fprintf(&buf, "endsolid placeholder\n")
	_ = vertexCount // reported separately in Output; not reflected in the stub geometry
	return buf.Bytes()
}
