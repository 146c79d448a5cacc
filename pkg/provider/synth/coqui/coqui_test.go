package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// testWAV assembles a minimal RIFF/WAVE container around pcm.
func testWAV(sampleRate, channels int, pcm []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM format
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&b, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(channels*2))
	binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "Hello there.", []string{"Hello there."}},
		{"multiple", "Hello. How are you? Great!", []string{"Hello.", "How are you?", "Great!"}},
		{"decimal", "Pi is 3.14 roughly.", []string{"Pi is 3.14 roughly."}},
		{"ellipsis run", "Well... okay.", []string{"Well...", "okay."}},
		{"japanese", "こんにちは。元気ですか？はい！", []string{"こんにちは。", "元気ですか？", "はい！"}},
		{"mixed", "Sure. いいですね！", []string{"Sure.", "いいですね！"}},
		{"no terminator", "see you tomorrow", []string{"see you tomorrow"}},
		{"empty", "", nil},
	}
	for _, tc := range cases {
		got := splitSentences(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: splitSentences(%q) = %#v, want %#v", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestBareLang(t *testing.T) {
	if got := bareLang("ja-JP"); got != "ja" {
		t.Errorf("bareLang(ja-JP) = %q, want ja", got)
	}
	if got := bareLang("en"); got != "en" {
		t.Errorf("bareLang(en) = %q, want en", got)
	}
}

func TestParseWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	info, err := parseWAV(testWAV(22050, 1, pcm))
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.SampleRate != 22050 || info.Channels != 1 {
		t.Errorf("unexpected format: %+v", info)
	}
	if info.DataOffset != 44 {
		t.Errorf("expected data offset 44, got %d", info.DataOffset)
	}
}

func TestParseWAVInvalid(t *testing.T) {
	if _, err := parseWAV([]byte("tiny")); err == nil {
		t.Error("expected error for truncated input")
	}
	if _, err := parseWAV([]byte("NOPE12345678")); err == nil {
		t.Error("expected error for missing RIFF header")
	}
	// Valid header but no data chunk.
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(4))
	b.WriteString("WAVE")
	if _, err := parseWAV(b.Bytes()); err == nil {
		t.Error("expected error for missing data chunk")
	}
}

func TestResampleMono16(t *testing.T) {
	pcm := []byte{0x00, 0x10, 0x00, 0x20, 0x00, 0x30, 0x00, 0x40}

	if got := resampleMono16(pcm, 22050, 22050); !bytes.Equal(got, pcm) {
		t.Error("same-rate resampling should return input unchanged")
	}

	up := resampleMono16(pcm, 22050, 44100)
	if len(up) != 2*len(pcm) {
		t.Errorf("expected %d bytes after 2x upsampling, got %d", 2*len(pcm), len(up))
	}
}

func TestNewRequiresServerURL(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL")
	}
	if kind := types.KindOf(err); kind != types.KindConfigurationMissing {
		t.Errorf("expected KindConfigurationMissing, got %v", kind)
	}
}

func TestSynthesizeXTTSRequiresVoice(t *testing.T) {
	p, err := New("http://localhost:8002", WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Synthesize(context.Background(), "hello", synth.SpeechConfig{})
	if err == nil {
		t.Fatal("expected error for missing voice in XTTS mode")
	}
	if kind := types.KindOf(err); kind != types.KindConfigurationMissing {
		t.Errorf("expected KindConfigurationMissing, got %v", kind)
	}
}

func TestSynthesizeStandardServer(t *testing.T) {
	pcmA := []byte{1, 1, 2, 2, 3, 3, 4, 4}
	pcmB := []byte{9, 9, 8, 8}

	var mu sync.Mutex
	var langs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tts" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		langs = append(langs, r.URL.Query().Get("language_id"))
		mu.Unlock()

		// Distinguishable audio per sentence so ordering is observable.
		if r.URL.Query().Get("text") == "こんにちは。" {
			w.Write(testWAV(22050, 1, pcmA))
		} else {
			w.Write(testWAV(22050, 1, pcmB))
		}
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st, err := p.Synthesize(context.Background(), "こんにちは。元気ですか？", synth.SpeechConfig{Language: "ja-JP"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var got []byte
	for chunk := range st.Chunks() {
		got = append(got, chunk...)
	}
	if err := st.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	want := append(append([]byte{}, pcmA...), pcmB...)
	if !bytes.Equal(got, want) {
		t.Errorf("expected PCM %v in sentence order, got %v", want, got)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, lang := range langs {
		if lang != "ja" {
			t.Errorf("expected language_id ja on the wire, got %q", lang)
		}
	}
}

func TestSynthesizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st, err := p.Synthesize(context.Background(), "hello.", synth.SpeechConfig{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	for range st.Chunks() {
	}
	if err := st.Err(); err == nil {
		t.Fatal("expected stream error after server failure")
	} else if kind := types.KindOf(err); kind != types.KindSynthesisUnavailable {
		t.Errorf("expected KindSynthesisUnavailable, got %v", kind)
	}
}
