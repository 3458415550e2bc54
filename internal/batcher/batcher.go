// Package batcher implements C4 ContinuousBatcher: the single-threaded,
// cooperative iteration-level scheduler that drives admission, the
// prefill/decode forward pass, sampling, streaming and eviction.
package batcher

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vramcore/vramcore/internal/config"
	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/modeladapter"
	"github.com/vramcore/vramcore/internal/pagedkv"
	"github.com/vramcore/vramcore/internal/vramerrors"
	"github.com/vramcore/vramcore/pkg/completion"
)

const (
	idleSleep = 10 * time.Millisecond
	tickSleep = 100 * time.Microsecond
)

// Batcher is C4 ContinuousBatcher. Every field below except waitQ,
// nextReqN, stopped and doneCh is touched exclusively from the Run
// goroutine; waitQ and nextReqN are what Submit touches on behalf of
// external submitters (§5 "External submission"), and stopped and doneCh
// are how Stop ends the loop.
type Batcher struct {
	cfg       config.BatcherConfig
	model     modeladapter.Model
	tokeniser modeladapter.Tokeniser
	runtime   device.Runtime
	kv        *pagedkv.Cache

	primaryDevice int
	dtype         device.DType
	rng           *rand.Rand
	log           *logrus.Entry

	waitQ  *WaitQueue
	active []*Request

	stopped  atomic.Bool
	doneCh   chan struct{}
	nextReqN atomic.Uint64
}

// New builds a Batcher. seed drives the sampling RNG deterministically,
// mirroring the teacher's PartitionedRNG convention applied to token
// sampling instead of workload generation.
func New(cfg config.BatcherConfig, model modeladapter.Model, tok modeladapter.Tokeniser, rt device.Runtime, kv *pagedkv.Cache, primaryDevice int, seed int64) *Batcher {
	return &Batcher{
		cfg:           cfg,
		model:         model,
		tokeniser:     tok,
		runtime:       rt,
		kv:            kv,
		primaryDevice: primaryDevice,
		dtype:         device.DTypeF16,
		rng:           rand.New(rand.NewSource(seed)),
		log:           logrus.WithField("component", "batcher"),
		waitQ:         NewWaitQueue(cfg.MaxWaitingQueue),
		doneCh:        make(chan struct{}),
	}
}

// Submit implements submit(): tokenisation happens lazily at admission,
// not here, so a full waiting queue fails fast without touching the
// tokeniser.
func (b *Batcher) Submit(prompt string, maxNewTokens int, sampling SamplingParams, onToken OnToken) (*completion.Handle, error) {
	req := &Request{
		Prompt:       prompt,
		MaxNewTokens: maxNewTokens,
		Sampling:     sampling,
		OnToken:      onToken,
		Status:       StatusWaiting,
		ArrivalTime:  time.Now(),
		Handle:       completion.NewHandle(),
	}
	req.ID = fmt.Sprintf("req-%d", b.nextReqN.Add(1))
	if !b.waitQ.Push(req) {
		return nil, vramerrors.ErrQueueFull
	}
	return req.Handle, nil
}

// Run is the loop described in §4.4. It blocks until Stop is called.
func (b *Batcher) Run() {
	defer close(b.doneCh)
	for !b.stopped.Load() {
		b.admit()

		if len(b.active) == 0 && b.waitQ.Len() == 0 {
			time.Sleep(idleSleep)
			continue
		}

		b.runIteration()
		b.sampleAndStream()
		b.completeAndEvict()

		time.Sleep(tickSleep)
	}
}

// Stop implements stop(): pending WAITING requests are cancelled, ACTIVE
// requests are left to run to completion or error, and the loop exits
// after its current iteration.
func (b *Batcher) Stop() {
	b.stopped.Store(true)
	for _, req := range b.waitQ.DrainAll() {
		req.Status = StatusCancelled
		req.Handle.Resolve(completion.Result{Err: vramerrors.ErrCancelled})
	}
	<-b.doneCh
}

// admit implements §4.4 step 1.
func (b *Batcher) admit() {
	room := b.cfg.MaxBatchSize - len(b.active)
	if room <= 0 {
		return
	}
	for _, req := range b.waitQ.PopUpTo(room) {
		req.InputIDs = b.tokeniser.Encode(req.Prompt)

		_, matched := b.kv.TryPrefixCache(req.ID, req.InputIDs)
		if matched < len(req.InputIDs) {
			if _, err := b.kv.Allocate(req.ID, len(req.InputIDs)); err != nil {
				req.Status = StatusError
				req.Handle.Resolve(completion.Result{Err: err})
				continue
			}
			b.registerFullPrefixPages(req.ID, req.InputIDs, matched)
		}
		req.NumComputedTokens = matched
		req.Status = StatusActive
		b.active = append(b.active, req)
	}
}

// registerFullPrefixPages implements the "otherwise allocate and register
// the new page in the prefix cache" half of §4.3's try_prefix_cache: the
// full prompt is already known at admission time, so every page beyond the
// prefix-cache hit that is entirely covered by prompt tokens can be hashed
// and registered immediately, without waiting for the prefill forward pass
// to fill it. A trailing partial page (fewer than PageSize tokens) is left
// unregistered; it will fill incrementally during decode and is never a
// candidate for prefix sharing anyway.
func (b *Batcher) registerFullPrefixPages(requestID string, promptTokens []int, matched int) {
	pageSize := b.kv.PageSize()
	if pageSize <= 0 {
		return
	}
	for start := matched; start+pageSize <= len(promptTokens); start += pageSize {
		pageIndex := start / pageSize
		b.kv.RegisterPrefixPage(requestID, pageIndex, promptTokens[start:start+pageSize])
	}
}

// runIteration implements §4.4 step 2: partition into prefill and decode
// phases, run prefill sequentially, and attempt batched decode with a
// sequential fallback.
func (b *Batcher) runIteration() {
	var prefill, decode []*Request
	for _, req := range b.active {
		if req.Status != StatusActive {
			continue
		}
		if req.NumComputedTokens < len(req.InputIDs) {
			prefill = append(prefill, req)
		} else {
			decode = append(decode, req)
		}
	}

	for _, req := range prefill {
		b.runPrefill(req)
	}

	if len(decode) >= 2 {
		if err := b.runDecodeBatched(decode); err != nil {
			b.log.Warnf("batched decode failed, falling back to sequential: %v", err)
			for _, req := range decode {
				if req.Status == StatusActive {
					b.runDecodeSequential(req)
				}
			}
		}
	} else {
		for _, req := range decode {
			b.runDecodeSequential(req)
		}
	}
}

// runPrefill processes one request's full (remaining) prompt in a single
// forward call and writes the resulting KV back into paged storage.
func (b *Batcher) runPrefill(req *Request) {
	pending := req.InputIDs[req.NumComputedTokens:]
	inputBuf := b.tokenBuffer(pending)

	out, err := b.model.Forward(inputBuf, device.Buffer{}, nil, true)
	if err != nil {
		b.failRequest(req, err)
		return
	}

	if err := b.kv.FromHFCache(b.runtime, req.ID, out.PastKV); err != nil {
		b.failRequest(req, err)
		return
	}
	for range pending {
		if _, _, ok := b.kv.AppendToken(req.ID); !ok {
			b.failRequest(req, vramerrors.ErrPageExhausted)
			return
		}
	}
	req.NumComputedTokens = len(req.InputIDs)
	req.lastLogits = out.LogitsValues
}

// runDecodeSequential runs one decode-phase request's single-token step.
func (b *Batcher) runDecodeSequential(req *Request) {
	last := req.lastToken()
	inputBuf := b.tokenBuffer([]int{last})

	pastKV, err := b.kv.ToHFCache(b.runtime, req.ID, b.model.Config(), b.dtype)
	if err != nil {
		b.failRequest(req, err)
		return
	}
	out, err := b.model.Forward(inputBuf, device.Buffer{}, pastKV, true)
	if err != nil {
		b.failRequest(req, err)
		return
	}
	if err := b.kv.FromHFCache(b.runtime, req.ID, out.PastKV); err != nil {
		b.failRequest(req, err)
		return
	}
	if _, _, ok := b.kv.AppendToken(req.ID); !ok {
		b.failRequest(req, vramerrors.ErrPageExhausted)
		return
	}
	req.lastLogits = out.LogitsValues
}

// runDecodeBatched implements the coalesced decode path from §4.4 step 2:
// gather every request's last token and KV cache, pad to a common length
// when sequence lengths differ, and call the model once. Returning an
// error here is the trigger for the caller's sequential fallback.
func (b *Batcher) runDecodeBatched(reqs []*Request) error {
	seqLens := make([]int, len(reqs))
	maxLen := 0
	for i, req := range reqs {
		entry := b.kv.Entry(req.ID)
		if entry == nil {
			return fmt.Errorf("%w: no page table for request %s", vramerrors.ErrModelFailure, req.ID)
		}
		seqLens[i] = entry.NumTokens
		if seqLens[i] > maxLen {
			maxLen = seqLens[i]
		}
	}

	lastTokens := make([]int, len(reqs))
	pastKVs := make([]modeladapter.PastKV, len(reqs))
	for i, req := range reqs {
		lastTokens[i] = req.lastToken()
		pk, err := b.kv.ToHFCache(b.runtime, req.ID, b.model.Config(), b.dtype)
		if err != nil {
			return err
		}
		pastKVs[i] = pk
	}

	batchedInput := b.tokenBuffer(lastTokens)
	batchedInput.Shape = []int{len(lastTokens), 1}
	attnMask := b.buildAttentionMask(seqLens, maxLen)
	batchedKV, err := b.concatOrPad(pastKVs, seqLens, maxLen)
	if err != nil {
		return err
	}

	out, err := b.model.Forward(batchedInput, attnMask, batchedKV, true)
	if err != nil {
		return err
	}

	perRequest, err := b.splitBatchOutput(out, seqLens, maxLen)
	if err != nil {
		return err
	}
	for i, req := range reqs {
		if err := b.kv.FromHFCache(b.runtime, req.ID, perRequest[i].PastKV); err != nil {
			b.failRequest(req, err)
			continue
		}
		if _, _, ok := b.kv.AppendToken(req.ID); !ok {
			b.failRequest(req, vramerrors.ErrPageExhausted)
			continue
		}
		req.lastLogits = perRequest[i].LogitsValues
	}
	return nil
}

// sampleAndStream implements §4.4 steps 3 and 4.
func (b *Batcher) sampleAndStream() {
	for _, req := range b.active {
		if req.Status != StatusActive || len(req.lastLogits) == 0 {
			continue
		}
		token := sampleToken(req.lastLogits, req.Sampling, b.rng)
		req.GeneratedIDs = append(req.GeneratedIDs, token)
		req.TokensGenerated++

		if req.OnToken != nil {
			func() {
				defer func() { recover() }()
				req.OnToken(b.tokeniser.Decode([]int{token}))
			}()
		}
	}
}

// completeAndEvict implements §4.4 steps 5 and 6.
func (b *Batcher) completeAndEvict() {
	remaining := b.active[:0]
	for _, req := range b.active {
		if req.Status == StatusActive && b.isComplete(req) {
			req.Status = StatusFinished
			text := b.tokeniser.Decode(req.GeneratedIDs)
			req.Handle.Resolve(completion.Result{Text: text})
		}
		if req.Status == StatusFinished || req.Status == StatusError {
			b.kv.Free(req.ID)
			continue
		}
		remaining = append(remaining, req)
	}
	b.active = remaining
}

func (b *Batcher) isComplete(req *Request) bool {
	if req.TokensGenerated >= req.MaxNewTokens {
		return true
	}
	if len(req.GeneratedIDs) > 0 && req.GeneratedIDs[len(req.GeneratedIDs)-1] == b.tokeniser.EOSTokenID() {
		return true
	}
	return false
}

// failRequest implements the per-request recovery branch of §7's error
// table: the offending request is marked ERROR and resolved with the
// failure; every other active request is untouched.
func (b *Batcher) failRequest(req *Request, err error) {
	req.Status = StatusError
	req.Handle.Resolve(completion.Result{Err: err})
}

// FailDevice implements the whole-iteration recovery branch of §7: a
// DeviceLost signal marks every active request ERROR and clears the
// active set, after which the loop keeps accepting new work.
func (b *Batcher) FailDevice(err error) {
	for _, req := range b.active {
		req.Status = StatusError
		req.Handle.Resolve(completion.Result{Err: err})
		b.kv.Free(req.ID)
	}
	b.active = nil
}

func (r *Request) lastToken() int {
	if len(r.GeneratedIDs) > 0 {
		return r.GeneratedIDs[len(r.GeneratedIDs)-1]
	}
	return r.InputIDs[len(r.InputIDs)-1]
}

// tokenBuffer wraps a slice of token ids in a device.Buffer purely as a
// shape/identity handle; the core never reads or writes the underlying
// bytes itself, leaving that to the injected Model and Runtime.
func (b *Batcher) tokenBuffer(ids []int) device.Buffer {
	return device.Buffer{
		GPUID:  b.primaryDevice,
		Shape:  []int{1, len(ids)},
		DType:  device.DTypeI8,
		Offset: -1,
		Bytes:  int64(len(ids)),
	}
}

func (b *Batcher) buildAttentionMask(seqLens []int, maxLen int) device.Buffer {
	uniform := true
	for _, l := range seqLens {
		if l != seqLens[0] {
			uniform = false
			break
		}
	}
	if uniform {
		return device.Buffer{}
	}
	return device.Buffer{
		GPUID: b.primaryDevice,
		Shape: []int{len(seqLens), maxLen},
		DType: device.DTypeI8,
		Offset: -1,
		Bytes: int64(len(seqLens) * maxLen),
	}
}

// concatOrPad implements the "concatenate along batch dimension, or
// left-pad to the max length" branch of §4.4 step 2. Per-request K/V
// buffers are laid into one batched buffer per layer via the runtime's
// Copy, at an offset that reserves the request's padding at the front of
// its row; the model never has to know which rows are padding because the
// attention mask built alongside it marks those positions zero.
func (b *Batcher) concatOrPad(pastKVs []modeladapter.PastKV, seqLens []int, maxLen int) (modeladapter.PastKV, error) {
	if len(pastKVs) == 0 {
		return nil, nil
	}
	numLayers := len(pastKVs[0])
	batch := len(pastKVs)
	cfg := b.model.Config()
	headDim := cfg.HiddenSize / cfg.NumAttentionHeads

	out := make(modeladapter.PastKV, numLayers)
	for layer := 0; layer < numLayers; layer++ {
		shape := []int{batch, cfg.NumKeyValueHeads, maxLen, headDim}
		kBuf, err := b.runtime.Allocate(b.primaryDevice, shape, pastKVs[0][layer].K.DType)
		if err != nil {
			return nil, fmt.Errorf("%w: allocating batched K for layer %d: %v", vramerrors.ErrModelFailure, layer, err)
		}
		vBuf, err := b.runtime.Allocate(b.primaryDevice, shape, pastKVs[0][layer].V.DType)
		if err != nil {
			return nil, fmt.Errorf("%w: allocating batched V for layer %d: %v", vramerrors.ErrModelFailure, layer, err)
		}

		perPositionBytes := int64(cfg.NumKeyValueHeads*headDim) * int64(pastKVs[0][layer].K.DType.ElementSize())
		perBatchStride := int64(maxLen) * perPositionBytes
		for i, pk := range pastKVs {
			if len(pk) != numLayers {
				return nil, fmt.Errorf("%w: request %d has %d kv layers, want %d", vramerrors.ErrModelFailure, i, len(pk), numLayers)
			}
			padPositions := int64(maxLen - seqLens[i])
			rowOffset := int64(i)*perBatchStride + padPositions*perPositionBytes

			dstK := device.Buffer{GPUID: b.primaryDevice, Shape: pk[layer].K.Shape, DType: pk[layer].K.DType, Offset: kBuf.Offset + rowOffset}
			if err := b.runtime.Copy(dstK, pk[layer].K); err != nil {
				return nil, fmt.Errorf("%w: copying request %d layer %d K into batch: %v", vramerrors.ErrModelFailure, i, layer, err)
			}
			dstV := device.Buffer{GPUID: b.primaryDevice, Shape: pk[layer].V.Shape, DType: pk[layer].V.DType, Offset: vBuf.Offset + rowOffset}
			if err := b.runtime.Copy(dstV, pk[layer].V); err != nil {
				return nil, fmt.Errorf("%w: copying request %d layer %d V into batch: %v", vramerrors.ErrModelFailure, i, layer, err)
			}
		}
		out[layer] = modeladapter.KVLayer{K: kBuf, V: vBuf}
	}
	return out, nil
}

// splitBatchOutput implements the "split the output logits and updated KV
// caches back to individual requests" half of §4.4 step 2. Each request's
// real (non-padded) content occupies the tail of its row, mirroring where
// concatOrPad placed it, so the split addresses past the front padding
// rather than handing back padding as if it were cache content.
func (b *Batcher) splitBatchOutput(out modeladapter.ForwardOutput, seqLens []int, maxLen int) ([]modeladapter.ForwardOutput, error) {
	n := len(seqLens)
	if n == 0 {
		return nil, nil
	}
	if len(out.LogitsValues)%n != 0 {
		return nil, fmt.Errorf("%w: batched logits length %d not divisible by batch size %d", vramerrors.ErrModelFailure, len(out.LogitsValues), n)
	}
	vocab := len(out.LogitsValues) / n

	cfg := b.model.Config()
	headDim := cfg.HiddenSize / cfg.NumAttentionHeads

	results := make([]modeladapter.ForwardOutput, n)
	for i := 0; i < n; i++ {
		perLayer := make(modeladapter.PastKV, len(out.PastKV))
		for layer, kv := range out.PastKV {
			perPositionBytes := int64(cfg.NumKeyValueHeads*headDim) * int64(kv.K.DType.ElementSize())
			perBatchStride := int64(maxLen) * perPositionBytes
			padPositions := int64(maxLen - seqLens[i])
			rowOffset := int64(i)*perBatchStride + padPositions*perPositionBytes
			shape := []int{1, cfg.NumKeyValueHeads, seqLens[i], headDim}
			perLayer[layer] = modeladapter.KVLayer{
				K: device.Buffer{GPUID: b.primaryDevice, Shape: shape, DType: kv.K.DType, Offset: kv.K.Offset + rowOffset},
				V: device.Buffer{GPUID: b.primaryDevice, Shape: shape, DType: kv.V.DType, Offset: kv.V.Offset + rowOffset},
			}
		}
		results[i] = modeladapter.ForwardOutput{LogitsValues: out.LogitsValues[i*vocab : (i+1)*vocab], PastKV: perLayer}
	}
	return results, nil
}
