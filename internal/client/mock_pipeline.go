package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
)

// FailMarker makes the mock pipeline fail when it appears in the input.
const FailMarker = "@Fail"

// MockPipeline simulates a transcription run for development when no real
// pipeline is configured.
type MockPipeline struct {
	delay time.Duration
}

func NewMockPipeline(delay time.Duration) *MockPipeline {
	return &MockPipeline{delay: delay}
}

func (p *MockPipeline) Name() string { return "mock" }

func (p *MockPipeline) Process(ctx context.Context, in Input) Result {
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Errf("interrupted: %v", ctx.Err())
		case <-timer.C:
		}
	}

	if bytes.Contains(in.Data, []byte(FailMarker)) {
		return Errf("%s: input requested failure", in.Command)
	}

	return Ok(mockCHAT(in))
}

// mockCHAT wraps every non-header input line in a *PAR tier.
func mockCHAT(in Input) []byte {
	var b strings.Builder
	b.WriteString("@UTF8\n@Begin\n")
	fmt.Fprintf(&b, "@Languages:\t%s\n", in.Lang)
	b.WriteString("@Participants:\tPAR Participant\n")
	fmt.Fprintf(&b, "@Comment:\t%s by mock pipeline\n", in.Command)

	sc := bufio.NewScanner(bytes.NewReader(in.Data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "@") {
			continue
		}
		if strings.HasPrefix(line, "*") || strings.HasPrefix(line, "%") {
			b.WriteString(line + "\n")
			continue
		}
		fmt.Fprintf(&b, "*PAR:\t%s\n", line)
	}
	b.WriteString("@End\n")
	return []byte(b.String())
}
