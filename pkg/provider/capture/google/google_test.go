package google

import (
	"errors"
	"fmt"
	"testing"

	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mkurimoto/kaiwa/pkg/types"
)

func TestFragmentsFromResponse(t *testing.T) {
	t.Parallel()

	t.Run("interim and final order preserved", func(t *testing.T) {
		t.Parallel()
		resp := &speechpb.StreamingRecognizeResponse{
			Results: []*speechpb.StreamingRecognitionResult{
				{
					IsFinal: true,
					Alternatives: []*speechpb.SpeechRecognitionAlternative{
						{Transcript: "こんにちは、元気です", Confidence: 0.93},
					},
				},
				{
					IsFinal: false,
					Alternatives: []*speechpb.SpeechRecognitionAlternative{
						{Transcript: "そし"},
					},
				},
			},
		}

		frags := fragmentsFromResponse(resp)
		if len(frags) != 2 {
			t.Fatalf("expected 2 fragments, got %d", len(frags))
		}
		if !frags[0].Final || frags[0].Text != "こんにちは、元気です" {
			t.Errorf("fragment 0 = %+v, want final こんにちは、元気です", frags[0])
		}
		if frags[1].Final || frags[1].Text != "そし" {
			t.Errorf("fragment 1 = %+v, want interim そし", frags[1])
		}
	})

	t.Run("results without alternatives are skipped", func(t *testing.T) {
		t.Parallel()
		resp := &speechpb.StreamingRecognizeResponse{
			Results: []*speechpb.StreamingRecognitionResult{{IsFinal: true}},
		}
		if frags := fragmentsFromResponse(resp); len(frags) != 0 {
			t.Errorf("expected no fragments, got %v", frags)
		}
	})

	t.Run("empty response yields no batch", func(t *testing.T) {
		t.Parallel()
		if frags := fragmentsFromResponse(&speechpb.StreamingRecognizeResponse{}); frags != nil {
			t.Errorf("expected nil fragments, got %v", frags)
		}
	})
}

func TestFaultFromStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code codes.Code
		want types.Kind
	}{
		{"permission denied", codes.PermissionDenied, types.KindPermissionDenied},
		{"unauthenticated", codes.Unauthenticated, types.KindPermissionDenied},
		{"unavailable", codes.Unavailable, types.KindCaptureUnavailable},
		{"internal", codes.Internal, types.KindAudioCaptureFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := fmt.Errorf("google: recv: %w", status.Error(tc.code, "boom"))
			got := types.KindOf(faultFromStatus(err))
			if got != tc.want {
				t.Errorf("kind = %v, want %v", got, tc.want)
			}
		})
	}

	t.Run("non-grpc error", func(t *testing.T) {
		t.Parallel()
		got := types.KindOf(faultFromStatus(errors.New("plain")))
		if got != types.KindAudioCaptureFailure {
			t.Errorf("kind = %v, want audio_capture_failure", got)
		}
	})
}
