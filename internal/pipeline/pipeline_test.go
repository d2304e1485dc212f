package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"dnd-ai-helper/internal/fantasy"
	"dnd-ai-helper/internal/imagecodec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

func pngBytes(t *testing.T, w int) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, png.Encode(buf, image.NewRGBA(image.Rect(0, 0, w, w))))
	return buf.Bytes()
}

type recordingTransformer struct {
	mu   sync.Mutex
	reqs []TransformRequest
	out  Image
	err  error
}

func (r *recordingTransformer) Transform(_ context.Context, req TransformRequest) (Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.out, r.err
}

type countingDescriber struct {
	calls int
	desc  string
	err   error
}

func (c *countingDescriber) Describe(context.Context, Image) (string, error) {
	c.calls++
	return c.desc, c.err
}

func TestNew(t *testing.T) {
	tr := &recordingTransformer{}

	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Mode: ModeCaptioned, Transformer: tr})
	assert.Error(t, err)

	_, err = New(Options{Mode: "sideways", Transformer: tr})
	assert.Error(t, err)

	g, err := New(Options{Transformer: tr})
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, g.Mode())
	assert.Equal(t, DefaultParams(), g.params)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":          ModeDirect,
		"Direct":    ModeDirect,
		"captioned": ModeCaptioned,
		"img2img":   ModeImageToImage,
		" i2i ":     ModeImageToImage,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("upscale")
	assert.Error(t, err)
}

func TestGenerate_Direct(t *testing.T) {
	ctx := context.Background()
	input := imagecodec.Encode(imagecodec.Payload{Data: pngBytes(t, 4)})
	output := pngBytes(t, 16)

	tr := &recordingTransformer{out: Image{Data: output, MimeType: "image/png"}}
	g, err := New(Options{Transformer: tr})
	require.NoError(t, err)

	res := g.Generate(ctx, Request{Image: input, Race: "elf", Region: "waterdeep"})
	require.True(t, res.Success, res.Reason)
	assert.Empty(t, res.Reason)
	assert.NotEmpty(t, res.Image)

	decoded, err := imagecodec.Decode(res.Image)
	require.NoError(t, err)
	assert.Equal(t, output, decoded.Data)

	require.Len(t, tr.reqs, 1)
	assert.Nil(t, tr.reqs[0].Source)
	assert.Nil(t, tr.reqs[0].Params)
	assert.Equal(t, fantasy.BuildPrompt("elf", "waterdeep"), tr.reqs[0].Prompt)
	assert.Contains(t, res.Prompt, "elf")
	assert.Contains(t, res.Prompt, "waterdeep")
}

func TestGenerate_ImageToImage(t *testing.T) {
	src := pngBytes(t, 4)
	tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
	g, err := New(Options{Mode: ModeImageToImage, Transformer: tr, Params: Params{Strength: 0.4}})
	require.NoError(t, err)

	res := g.Generate(context.Background(), Request{Image: imagecodec.EncodeBase64(src), Race: "tiefling", Region: "thay"})
	require.True(t, res.Success, res.Reason)

	require.Len(t, tr.reqs, 1)
	require.NotNil(t, tr.reqs[0].Source)
	assert.Equal(t, src, tr.reqs[0].Source.Data)
	assert.Equal(t, "image/png", tr.reqs[0].Source.MimeType)
	require.NotNil(t, tr.reqs[0].Params)
	assert.Equal(t, 0.4, tr.reqs[0].Params.Strength)
	assert.Equal(t, DefaultGuidanceScale, tr.reqs[0].Params.GuidanceScale)
	// bare base64 in, bare base64 out
	assert.Equal(t, imagecodec.EncodeBase64(pngBytes(t, 8)), res.Image)
}

func TestGenerate_KeepsRequestEncoding(t *testing.T) {
	src := pngBytes(t, 4)
	output := pngBytes(t, 16)
	g, err := New(Options{Transformer: &recordingTransformer{out: Image{Data: output}}})
	require.NoError(t, err)

	res := g.Generate(context.Background(), Request{Image: imagecodec.EncodeBase64(src), Race: "elf", Region: "waterdeep"})
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, imagecodec.EncodeBase64(output), res.Image)
	assert.False(t, strings.HasPrefix(res.Image, "data:"))

	res = g.Generate(context.Background(), Request{Image: imagecodec.Encode(imagecodec.Payload{Data: src}), Race: "elf", Region: "waterdeep"})
	require.True(t, res.Success, res.Reason)
	// backend left MimeType empty; it is sniffed
	assert.Equal(t, "data:image/png;base64,"+imagecodec.EncodeBase64(output), res.Image)
}

func TestGenerate_Captioned(t *testing.T) {
	input := imagecodec.EncodeBase64(pngBytes(t, 4))

	t.Run("description is embedded", func(t *testing.T) {
		d := &countingDescriber{desc: "  a bearded man in a hat "}
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, err := New(Options{Mode: ModeCaptioned, Describer: d, Transformer: tr})
		require.NoError(t, err)

		res := g.Generate(context.Background(), Request{Image: input, Race: "dwarf", Region: "luskan"})
		require.True(t, res.Success, res.Reason)
		assert.Equal(t, "a bearded man in a hat", res.Description)
		assert.Equal(t, fantasy.BuildCaptionedPrompt("dwarf", "luskan", "a bearded man in a hat"), tr.reqs[0].Prompt)
	})

	t.Run("empty description falls back", func(t *testing.T) {
		d := &countingDescriber{}
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, err := New(Options{Mode: ModeCaptioned, Describer: d, Transformer: tr})
		require.NoError(t, err)

		res := g.Generate(context.Background(), Request{Image: input, Race: "dwarf", Region: "luskan"})
		require.True(t, res.Success, res.Reason)
		assert.Contains(t, tr.reqs[0].Prompt, "a person")
		assert.Equal(t, fantasy.DefaultSubject, res.Description)
	})

	t.Run("describe failure is a remote failure", func(t *testing.T) {
		d := &countingDescriber{err: errors.New("model is loading")}
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, err := New(Options{Mode: ModeCaptioned, Describer: d, Transformer: tr})
		require.NoError(t, err)

		res := g.Generate(context.Background(), Request{Image: input, Race: "dwarf", Region: "luskan"})
		assert.False(t, res.Success)
		assert.Equal(t, KindRemote, res.Kind)
		assert.Equal(t, "describe: model is loading", res.Reason)
		assert.Empty(t, tr.reqs)
	})

	t.Run("cache skips repeat describes", func(t *testing.T) {
		d := &countingDescriber{desc: "a child"}
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, err := New(Options{
			Mode:        ModeCaptioned,
			Describer:   d,
			Transformer: tr,
			Cache:       NewCaptionCache(time.Minute, 0),
		})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			res := g.Generate(context.Background(), Request{Image: input, Race: "gnome", Region: "amn"})
			require.True(t, res.Success, res.Reason)
		}
		assert.Equal(t, 1, d.calls)
		assert.Len(t, tr.reqs, 3)
	})

	t.Run("empty description is not cached", func(t *testing.T) {
		d := &countingDescriber{}
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, err := New(Options{
			Mode:        ModeCaptioned,
			Describer:   d,
			Transformer: tr,
			Cache:       NewCaptionCache(time.Minute, 0),
		})
		require.NoError(t, err)

		req := Request{Image: input, Race: "gnome", Region: "amn"}
		res := g.Generate(context.Background(), req)
		require.True(t, res.Success, res.Reason)
		assert.Equal(t, fantasy.DefaultSubject, res.Description)

		d.desc = "a tall woman"
		res = g.Generate(context.Background(), req)
		require.True(t, res.Success, res.Reason)
		assert.Equal(t, "a tall woman", res.Description)
		assert.Equal(t, 2, d.calls)
	})
}

func TestGenerate_Failures(t *testing.T) {
	valid := imagecodec.EncodeBase64(pngBytes(t, 4))

	t.Run("malformed input", func(t *testing.T) {
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, _ := New(Options{Transformer: tr})

		res := g.Generate(context.Background(), Request{Image: "not-base64!!", Race: "elf", Region: "amn"})
		assert.False(t, res.Success)
		assert.Equal(t, KindDecode, res.Kind)
		assert.NotEmpty(t, res.Reason)
		assert.Empty(t, res.Image)
		assert.Empty(t, tr.reqs)
	})

	t.Run("transform error", func(t *testing.T) {
		g, _ := New(Options{Transformer: &recordingTransformer{err: errors.New("503 service unavailable")}})

		res := g.Generate(context.Background(), Request{Image: valid, Race: "elf", Region: "amn"})
		assert.False(t, res.Success)
		assert.Equal(t, KindRemote, res.Kind)
		assert.Equal(t, "transform: 503 service unavailable", res.Reason)
	})

	t.Run("empty image from backend", func(t *testing.T) {
		g, _ := New(Options{Transformer: &recordingTransformer{}})

		res := g.Generate(context.Background(), Request{Image: valid, Race: "elf", Region: "amn"})
		assert.False(t, res.Success)
		assert.Equal(t, KindRemote, res.Kind)
	})

	t.Run("panic becomes unknown failure", func(t *testing.T) {
		tr := TransformerFunc(func(context.Context, TransformRequest) (Image, error) {
			panic("boom")
		})
		g, _ := New(Options{Transformer: tr})

		res := g.Generate(context.Background(), Request{Image: valid, Race: "elf", Region: "amn"})
		assert.False(t, res.Success)
		assert.Equal(t, KindUnknown, res.Kind)
		assert.Contains(t, res.Reason, "boom")
	})

	t.Run("rate limiter respects context", func(t *testing.T) {
		tr := &recordingTransformer{out: Image{Data: pngBytes(t, 8)}}
		g, _ := New(Options{Transformer: tr, Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

		res := g.Generate(context.Background(), Request{Image: valid, Race: "elf", Region: "amn"})
		require.True(t, res.Success, res.Reason)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res = g.Generate(ctx, Request{Image: valid, Race: "elf", Region: "amn"})
		assert.False(t, res.Success)
		assert.Equal(t, KindRemote, res.Kind)
		assert.Len(t, tr.reqs, 1)
	})
}

func TestRegenerate_EquivalentToGenerate(t *testing.T) {
	x := imagecodec.Encode(imagecodec.Payload{Data: pngBytes(t, 6)})
	out := Image{Data: pngBytes(t, 8), MimeType: "image/png"}

	tr := &recordingTransformer{out: out}
	g, err := New(Options{Mode: ModeImageToImage, Transformer: tr})
	require.NoError(t, err)

	fresh := g.Generate(context.Background(), Request{Image: x, Race: "orc", Region: "chult"})
	again := g.Regenerate(context.Background(), x, "orc", "chult")

	assert.Equal(t, fresh, again)
	require.Len(t, tr.reqs, 2)
	assert.Equal(t, tr.reqs[0], tr.reqs[1])
}

func TestReason(t *testing.T) {
	assert.Equal(t, GenericReason, Reason(errors.New("   ")))
	assert.Equal(t, GenericReason, Reason(nil))
	assert.Equal(t, "boom", Reason(errors.New("boom")))
	assert.Equal(t, "transform failed", (&RemoteError{Op: OpTransform, Err: errors.New("")}).Error())

	assert.Equal(t, KindUnknown, Classify(errors.New("x")))
	assert.Equal(t, ErrorKind(""), Classify(nil))
}
