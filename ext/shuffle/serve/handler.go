// Package serve implements the producer side of the shuffle transport: it streams
// the partitions of published outputs as checksummed frames.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package serve

import (
	"net/http"
	"strings"

	"github.com/NVIDIA/aishuffle/cmn"
	"github.com/NVIDIA/aishuffle/cmn/cos"
	"github.com/NVIDIA/aishuffle/cmn/kvdb"
	"github.com/NVIDIA/aishuffle/cmn/mono"
	"github.com/NVIDIA/aishuffle/cmn/nlog"
	"github.com/NVIDIA/aishuffle/ext/shuffle/fetch"
	"github.com/NVIDIA/aishuffle/ext/shuffle/sorter"
	"github.com/NVIDIA/aishuffle/ext/shuffle/wire"
	"github.com/NVIDIA/aishuffle/tracing"

	"go.opentelemetry.io/otel/attribute"
)

// interface guard
var _ http.Handler = (*Handler)(nil)

// Handler serves GET /v1/shuffle?attempt=<id>&from=<p>&to=<p>
type Handler struct {
	reg    *sorter.Registry
	secret []byte // bearer token validation (optional)
	// ask clients not to reuse connections
	noKeepAlive bool
}

func NewHandler(reg *sorter.Registry, secret []byte, keepAlive bool) *Handler {
	return &Handler{reg: reg, secret: secret, noKeepAlive: !keepAlive}
}

// Mux registers the handler at wire.URLPath
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(wire.URLPath, h)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		cmn.WriteErrMsg(w, r, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret != nil {
		token, ok := strings.CutPrefix(r.Header.Get(wire.HdrAuthorization), "Bearer ")
		if !ok {
			cmn.WriteErrMsg(w, r, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := fetch.ValidateToken(token, h.secret); err != nil {
			cmn.WriteErrMsg(w, r, err.Error(), http.StatusUnauthorized)
			return
		}
	}
	attempt, from, to, err := wire.ParseRequest(r.URL.Query())
	if err != nil {
		cmn.WriteErrMsg(w, r, err.Error(), http.StatusBadRequest)
		return
	}
	od, err := h.reg.Lookup(attempt)
	if err != nil {
		status := http.StatusInternalServerError
		if kvdb.IsErrNotFound(err) {
			status = http.StatusNotFound
		}
		cmn.WriteErrMsg(w, r, err.Error(), status)
		return
	}
	if to > od.NumPartitions {
		cmn.WriteErrMsg(w, r, "partition range out of bounds", http.StatusBadRequest)
		return
	}

	_, span := tracing.Start(r.Context(), "shuffle.serve", attribute.String("attempt", attempt),
		attribute.Int("from", from), attribute.Int("to", to))
	if h.noKeepAlive {
		w.Header().Set(wire.HdrKeepAlive, "false")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	started := mono.NanoTime()
	err = wire.WriteFrames(w, od, from, to)
	tracing.EndSpan(span, err)
	if err != nil {
		// (headers are out: the client detects the truncated stream)
		nlog.Errorf("serve %s [%d, %d): %v", attempt, from, to, err)
		return
	}
	if nlog.V(4) {
		var size int64
		for p := from; p < to; p++ {
			size += od.Index[p].CompressedLength
		}
		nlog.Infof("served %s [%d, %d): %s in %v", attempt, from, to, cos.ToSizeIEC(size, 1), mono.Since(started))
	}
}
