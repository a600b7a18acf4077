// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestEmit_DoesNotPanicWithoutActiveSpan(t *testing.T) {
	sink := NewLogSpanSink(slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Emit(context.Background(), Event{
		Type:           EventStart,
		DriftMs:        12,
		OrganisationID: "org1",
		RunID:          "r1",
	})
	sink.Emit(context.Background(), Event{Type: EventFinish, RunID: "r1"})
}
