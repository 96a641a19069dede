// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"
)

const heartbeatInterval = 15 * time.Second

var errStreamingUnsupported = fmt.Errorf("streaming unsupported")

// handleStream serves the live incident feed as server-sent events. Each
// card becomes one event; the card's _event field picks the event name so
// enrichment follow-ups arrive as incident_enriched.
func (s *Server) handleStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		flusher, ok := w.(http.Flusher)
		if !ok {
			logger.ErrorContext(ctx, "response writer does not support flushing",
				"code", http.StatusInternalServerError)
			s.h.RenderJSON(w, http.StatusInternalServerError, errStreamingUnsupported)
			return
		}

		ch, cancel := s.stream.Subscribe()
		defer cancel()

		if s.metrics != nil {
			s.metrics.StreamSubscribers.Inc()
			defer s.metrics.StreamSubscribers.Dec()
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
			case card := <-ch:
				data, err := json.Marshal(card)
				if err != nil {
					logger.ErrorContext(ctx, "failed to marshal card",
						"incident_id", card.IncidentID,
						"error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", card.EventName(), data)
				flusher.Flush()
			}
		}
	})
}
