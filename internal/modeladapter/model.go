// Package modeladapter declares the model and tokeniser collaborator
// interfaces the batcher drives every iteration. See §9 "Coroutine / async
// control flow" and "Exceptions for control flow" of the core
// specification: the adapter is a small synchronous interface per backend
// family, and failures are returned, never thrown.
package modeladapter

import "github.com/vramcore/vramcore/internal/device"

// Config exposes the static shape parameters the rest of the core needs
// without understanding model internals.
type Config struct {
	NumHiddenLayers    int
	NumAttentionHeads  int
	NumKeyValueHeads   int
	HiddenSize         int
}

// KVLayer holds one layer's K and V tensors for either a single request or
// a batch, depending on where it is used. The canonical layout is
// [batch, heads, seq, head_dim]; any other rank or axis order must be
// rejected explicitly (see SPEC_FULL.md §4, "Non-standard KV layout
// rejection") rather than guessed at.
type KVLayer struct {
	K device.Buffer
	V device.Buffer
}

// PastKV is the per-layer KV-cache state passed into and returned from a
// forward pass.
type PastKV []KVLayer

// ForwardOutput carries the logits and updated cache produced by one
// forward call. Logits is the device-resident tensor for any GPU-side
// consumer; LogitsValues is the same data already copied to host for the
// batcher's CPU-side sampling operator — the core never dereferences
// Logits itself.
type ForwardOutput struct {
	Logits       device.Buffer
	LogitsValues []float32
	PastKV       PastKV
}

// Model is the forward-pass collaborator. A concrete implementation wraps
// whatever tensor runtime actually executes attention/MLP; the core only
// ever calls Forward and reads Config.
type Model interface {
	Config() Config
	// Forward runs one forward pass. attentionMask may be the zero Buffer
	// when every sequence in inputIDs is unpadded. useCache controls
	// whether pastKV is read/extended; when false the returned PastKV is nil.
	Forward(inputIDs device.Buffer, attentionMask device.Buffer, pastKV PastKV, useCache bool) (ForwardOutput, error)
}

// Tokeniser is the encode/decode collaborator.
type Tokeniser interface {
	Encode(prompt string) []int
	Decode(ids []int) string
	EOSTokenID() int
}
