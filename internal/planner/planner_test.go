package planner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/taskerr"
)

func TestValidateArgvRejectsShellTokens(t *testing.T) {
	err := ValidateArgv([]string{"-y", "-i", "in.mp4; rm -rf /", "out.mp4"})
	require.Error(t, err)
	assert.True(t, taskerr.IsKind(err, taskerr.KindInputValidation))

	for _, bad := range []string{"a|b", "a&&b", "a`b`", "$HOME", "a>b", "a<b"} {
		assert.Error(t, ValidateArgv([]string{"-i", bad}), bad)
	}
	assert.NoError(t, ValidateArgv([]string{"-y", "-i", "in.mp4", "out.mp4"}))
}

func TestValidateArgvAllowsFilterGraphs(t *testing.T) {
	assert.NoError(t, ValidateArgv([]string{
		"-i", "a.mp4", "-filter_complex", "[0:v]scale=10:10[a];[a]fps=30[v]", "-map", "[v]", "out.mp4",
	}))
	assert.NoError(t, ValidateArgv([]string{"-vf", "a;b", "out.mp4"}))
}

func TestValidateArgvFilterWindowEndsAtNextFlag(t *testing.T) {
	// The entry after -map is past the whitelist window again.
	err := ValidateArgv([]string{"-vf", "a;b", "-map", "0:v; rm x", "out.mp4"})
	require.Error(t, err)

	// A flag-looking entry inside the window closes it.
	err = ValidateArgv([]string{"-filter_complex", "-not_a_filter", "still; here"})
	assert.Error(t, err)
}

func TestScalePadCentersAndEvens(t *testing.T) {
	got := scalePad(1281, 721)
	assert.Contains(t, got, "scale=1280:720:force_original_aspect_ratio=decrease")
	assert.Contains(t, got, "pad=1280:720:(ow-iw)/2:(oh-ih)/2:color=black")
	assert.True(t, strings.HasSuffix(got, "setsar=1:1"))

	assert.Equal(t, 2, evenDim(1))
	assert.Equal(t, 2, evenDim(3))
	assert.Equal(t, 100, evenDim(100))
	assert.Equal(t, 100, evenDim(101))
}

func TestConcatCopy(t *testing.T) {
	argv, err := ConcatCopy("/tmp/list.txt", "/tmp/out.mp4")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-y", "-f", "concat", "-safe", "0", "-i", "/tmp/list.txt", "-c", "copy", "/tmp/out.mp4",
	}, argv)
}

func TestNormalizeTargetsCanvas(t *testing.T) {
	argv, err := Normalize("in.mp4", "out.mp4", 1920, 1080)
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "scale=1920:1080")
	assert.Contains(t, joined, "fps=30")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-ar 44100")
}

func TestExtractSegment(t *testing.T) {
	_, err := ExtractSegment("in.mp4", 5, 5, "out.mp4", true)
	assert.Error(t, err, "empty range")
	_, err = ExtractSegment("in.mp4", 8, 2, "out.mp4", true)
	assert.Error(t, err, "inverted range")

	argv, err := ExtractSegment("in.mp4", 1.5, 4.25, "out.mp4", true)
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "-ss 1.500 -to 4.250")
	assert.Contains(t, joined, "-c copy")
	assert.Contains(t, joined, "avoid_negative_ts")

	argv, err = ExtractSegment("in.mp4", 1.5, 4.25, "out.mp4", false)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(argv, " "), "-c:v libx264")
}

func TestAudioVideoSubtitleBurnIn(t *testing.T) {
	argv, err := AudioVideoSubtitle("v.mp4", "a.mp3", "/tmp/subs.srt", "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "subtitles=")
	assert.Contains(t, joined, "-map 0:v:0 -map 1:a:0")
	assert.Contains(t, joined, "-shortest")

	argv, err = AudioVideoSubtitle("v.mp4", "a.mp3", "", "out.mp4")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(argv, " "), "-c:v copy")
}

func TestMultiOverlayOrdering(t *testing.T) {
	_, err := MultiOverlay("main.mp4", nil, "out.mp4")
	assert.Error(t, err)

	six := make([]OverlaySpec, 6)
	for i := range six {
		six[i].Path = "o.png"
	}
	_, err = MultiOverlay("main.mp4", six, "out.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most 5")

	argv, err := MultiOverlay("main.mp4", []OverlaySpec{
		{Path: "top.png", ZOrder: 2, Position: PosTopLeft},
		{Path: "bottom.png", ZOrder: 1, Position: PosBottomRight},
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	// Lower z-order is composited first, so it ends up underneath.
	assert.Less(t, strings.Index(joined, "bottom.png"), strings.Index(joined, "top.png"))
	assert.Contains(t, joined, "overlay=10:10")
}

func TestPictureInPictureOpacity(t *testing.T) {
	argv, err := PictureInPicture("main.mp4", OverlaySpec{
		Path: "pip.mp4", Position: PosTopRight, Scale: 0.3, Opacity: 0.5,
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "scale=iw*0.300:-2")
	assert.Contains(t, joined, "colorchannelmixer=aa=0.500")
	assert.Contains(t, joined, "main_w-overlay_w-10")
}

func TestSideBySideValidation(t *testing.T) {
	_, err := SideBySide(SideBySideSpec{Inputs: []string{"a.mp4"}}, "out.mp4")
	assert.Error(t, err, "too few inputs")

	_, err = SideBySide(SideBySideSpec{
		Inputs: []string{"a.mp4", "b.mp4", "c.mp4"},
		Layout: LayoutGrid,
	}, "out.mp4")
	assert.Error(t, err, "grid wants four")

	_, err = SideBySide(SideBySideSpec{
		Inputs:     []string{"a.mp4", "b.mp4"},
		HasAudio:   []bool{true, true},
		AudioGains: []float64{1.0, 2.5},
	}, "out.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0, 2]")
}

func TestSideBySideLayouts(t *testing.T) {
	argv, err := SideBySide(SideBySideSpec{
		Inputs:   []string{"a.mp4", "b.mp4"},
		HasAudio: []bool{false, true},
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "hstack=inputs=2")
	assert.Contains(t, joined, "-map 1:a:0", "first audio-bearing input wins")

	argv, err = SideBySide(SideBySideSpec{
		Inputs:   []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"},
		Layout:   LayoutGrid,
		HasAudio: []bool{true, false, false, false},
	}, "out.mp4")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(argv, " "), "xstack=inputs=4")
}

func TestSideBySideSilentFallback(t *testing.T) {
	argv, err := SideBySide(SideBySideSpec{
		Inputs:   []string{"a.mp4", "b.mp4"},
		HasAudio: []bool{false, false},
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "anullsrc")
	assert.Contains(t, joined, "-map 2:a", "silent input appended after the sources")
}

func TestSideBySideAudioMix(t *testing.T) {
	argv, err := SideBySide(SideBySideSpec{
		Inputs:     []string{"a.mp4", "b.mp4"},
		HasAudio:   []bool{true, true},
		AudioGains: []float64{1.0, 0.5},
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "volume=1.00")
	assert.Contains(t, joined, "volume=0.50")
	assert.Contains(t, joined, "amix=inputs=2")
	assert.Contains(t, joined, "-map [a]")
}

func TestSlideshow(t *testing.T) {
	_, err := Slideshow(SlideshowSpec{}, "out.mp4")
	assert.Error(t, err, "no images")

	argv, err := Slideshow(SlideshowSpec{
		Images:     []string{"1.png", "2.png", "3.png"},
		SecondsPer: 2,
		Audio:      "track.mp3",
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "-loop 1 -t 2.000 -i 1.png")
	assert.Contains(t, joined, "concat=n=3:v=1:a=0[v]")
	assert.Contains(t, joined, "-map 3:a:0")
	assert.Contains(t, joined, "-shortest")
}

func TestSlideshowTransitions(t *testing.T) {
	argv, err := Slideshow(SlideshowSpec{
		Images:        []string{"1.png", "2.png", "3.png"},
		SecondsPer:    3,
		Transition:    "fade",
		TransitionDur: 1,
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "xfade=transition=fade:duration=1.000:offset=2.000")
	assert.Contains(t, joined, "xfade=transition=fade:duration=1.000:offset=4.000")
	assert.NotContains(t, joined, "concat=")
}

func TestAudioProcess(t *testing.T) {
	_, err := AudioProcess("in.mp3", AudioTransform{FadeOut: 2}, "out.mp3")
	assert.Error(t, err, "fade-out without duration")

	argv, err := AudioProcess("in.mp3", AudioTransform{
		Volume: 1.5, FadeIn: 1, FadeOut: 2, Duration: 30, Bitrate: "192k",
	}, "out.mp3")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "volume=1.500")
	assert.Contains(t, joined, "afade=t=in:st=0:d=1.000")
	assert.Contains(t, joined, "afade=t=out:st=28.000:d=2.000")
	assert.Contains(t, joined, "-b:a 192k")
	assert.Contains(t, joined, "-vn")
}

func TestMixAudioBounds(t *testing.T) {
	_, err := MixAudio([]string{"a.mp3"}, nil, "out.mp3")
	assert.Error(t, err, "single track")

	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = "t.mp3"
	}
	_, err = MixAudio(eleven, nil, "out.mp3")
	assert.Error(t, err, "too many tracks")

	_, err = MixAudio([]string{"a.mp3", "b.mp3"}, []float64{1, 11}, "out.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside [0, 10]")

	argv, err := MixAudio([]string{"a.mp3", "b.mp3"}, []float64{1, 0.25}, "out.mp3")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(argv, " "), "amix=inputs=2:duration=longest:weights=1.00 0.25")
}

func TestCrossfadeBounds(t *testing.T) {
	_, err := Crossfade("a.mp3", "b.mp3", 0.05, "out.mp3")
	assert.Error(t, err)
	_, err = Crossfade("a.mp3", "b.mp3", 10.5, "out.mp3")
	assert.Error(t, err)

	argv, err := Crossfade("a.mp3", "b.mp3", 2, "out.mp3")
	require.NoError(t, err)
	assert.Contains(t, strings.Join(argv, " "), "acrossfade=d=2.000")
}

func TestWatermark(t *testing.T) {
	_, err := Watermark("in.mp4", WatermarkSpec{}, "out.mp4")
	assert.Error(t, err, "neither image nor text")
	_, err = Watermark("in.mp4", WatermarkSpec{ImagePath: "w.png", Text: "hi"}, "out.mp4")
	assert.Error(t, err, "both image and text")

	argv, err := Watermark("in.mp4", WatermarkSpec{
		ImagePath: "w.png", Position: PosBottomRight, Scale: 0.2, Opacity: 0.7,
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "scale=iw*0.200:-2")
	assert.Contains(t, joined, "colorchannelmixer=aa=0.700")

	argv, err = Watermark("in.mp4", WatermarkSpec{
		Text: "sample: 100%", Position: PosTopLeft, FontSize: 32,
	}, "out.mp4")
	require.NoError(t, err)
	joined = strings.Join(argv, " ")
	assert.Contains(t, joined, `drawtext=text='sample\: 100\%'`)
	assert.Contains(t, joined, "fontsize=32")
	assert.Contains(t, joined, "x=10:y=10")
}

func TestColorFilter(t *testing.T) {
	_, err := ColorFilter("in.mp4", ColorAdjust{}, "out.mp4")
	assert.Error(t, err, "no adjustments")

	_, err = ColorFilter("in.mp4", ColorAdjust{Brightness: 2}, "out.mp4")
	assert.Error(t, err, "brightness out of range")
	_, err = ColorFilter("in.mp4", ColorAdjust{Preset: "sepia"}, "out.mp4")
	assert.Error(t, err, "unknown preset")

	argv, err := ColorFilter("in.mp4", ColorAdjust{
		Brightness: 0.1, Saturation: 1.4, Temperature: 0.5,
		BlurSigma: 2, Preset: "vintage",
	}, "out.mp4")
	require.NoError(t, err)
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "eq=brightness=0.100:saturation=1.400")
	assert.Contains(t, joined, "colorbalance=")
	assert.Contains(t, joined, "curves=preset=vintage")
	assert.Contains(t, joined, "gblur=sigma=2.000")
}

func TestKnownMode(t *testing.T) {
	for _, m := range []string{
		ModeConcat, ModeExtractAndConcat, ModeAudioVideoSubtitle,
		ModePictureInPicture, ModeMultiOverlay, ModeSideBySide,
		ModeSideBySideAudioMix, ModeSlideshow, ModeAudioOnly,
		ModeWatermark, ModeColorFilter,
	} {
		assert.True(t, KnownMode(m), m)
	}
	assert.False(t, KnownMode("split_screen"))
}

func TestQualityDims(t *testing.T) {
	w, h := QualityDims("1080p")
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
	w, h = QualityDims("unknown")
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}
