package pipeline

import (
	"math/rand"
	"testing"

	"github.com/adverant/nexus/captcha-worker/internal/pixel"
)

// binaryFromRows builds a binary buffer where '#' is ink and '.' is background
func binaryFromRows(rows ...string) *pixel.Buffer {
	b := pixel.New(len(rows[0]), len(rows), pixel.Binary)
	for y, row := range rows {
		for x, c := range row {
			if c == '#' {
				b.Set(x, y, pixel.Ink)
			} else {
				b.Set(x, y, pixel.Paper)
			}
		}
	}
	return b
}

func rowsOf(b *pixel.Buffer) []string {
	rows := make([]string, b.Height())
	for y := range rows {
		line := make([]byte, b.Width())
		for x := range line {
			if b.At(x, y) == pixel.Ink {
				line[x] = '#'
			} else {
				line[x] = '.'
			}
		}
		rows[y] = string(line)
	}
	return rows
}

func randomRGB(seed int64, w, h int) *pixel.Buffer {
	r := rand.New(rand.NewSource(seed))
	b := pixel.New(w, h, pixel.RGB)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			b.Set(x, y, pixel.Pixel{R: uint8(r.Intn(256)), G: uint8(r.Intn(256)), B: uint8(r.Intn(256))})
		}
	}
	return b
}

func TestBinarizeInk(t *testing.T) {
	src := pixel.New(4, 3, pixel.RGB)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			// Saturated dark blue everywhere, including the border
			src.Set(x, y, pixel.Pixel{R: 0, G: 0, B: 200})
		}
	}
	// Light pink: high lightness
	src.Set(2, 1, pixel.Pixel{R: 255, G: 200, B: 200})

	got := rowsOf(BinarizeInk(src))
	want := []string{
		"....",
		".#..",
		"....",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("row %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestBinarizeInkThresholdEdges(t *testing.T) {
	tests := []struct {
		name string
		p    pixel.Pixel
		ink  bool
	}{
		{"pure red is ink", pixel.Pixel{R: 255, G: 0, B: 0}, true},
		{"black has no saturation", pixel.Black, false},
		{"grey has no saturation", pixel.Pixel{R: 60, G: 60, B: 60}, false},
		{"pale colour too light", pixel.Pixel{R: 255, G: 180, B: 180}, false},
		{"muted colour under saturated", pixel.Pixel{R: 120, G: 80, B: 80}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := pixel.New(3, 3, pixel.RGB)
			src.Set(1, 1, tt.p)
			got := BinarizeInk(src).At(1, 1) == pixel.Ink
			if got != tt.ink {
				t.Fatalf("ink = %v, want %v", got, tt.ink)
			}
		})
	}
}

func TestDespeckleRules(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "isolated speck is removed",
			in: []string{
				"...",
				".#.",
				"...",
			},
			want: []string{
				"...",
				"...",
				"...",
			},
		},
		{
			name: "speck touching one diagonal ink is removed",
			in: []string{
				"#..",
				".#.",
				"...",
			},
			want: []string{
				"#..",
				"...",
				"...",
			},
		},
		{
			name: "ink touching two diagonal ink stays",
			in: []string{
				"#.#",
				".#.",
				"...",
			},
			want: []string{
				"#.#",
				".#.",
				"...",
			},
		},
		{
			name: "ink with a straight ink neighbour stays",
			in: []string{
				".#.",
				".#.",
				"...",
			},
			want: []string{
				".#.",
				".#.",
				"...",
			},
		},
		{
			name: "hole inside a stroke is filled",
			in: []string{
				"###",
				"#.#",
				"###",
			},
			want: []string{
				"###",
				"###",
				"###",
			},
		},
		{
			name: "background with four straight ink is filled",
			in: []string{
				".#.",
				"#.#",
				".#.",
			},
			want: []string{
				".#.",
				"###",
				".#.",
			},
		},
		{
			name: "background with four diagonal and two straight ink is filled",
			in: []string{
				"#.#",
				"#.#",
				"#.#",
			},
			want: []string{
				"#.#",
				"###",
				"#.#",
			},
		},
		{
			name: "background with four diagonal and one straight ink stays",
			in: []string{
				"#.#",
				"#..",
				"#.#",
			},
			want: []string{
				"#.#",
				"#..",
				"#.#",
			},
		},
		{
			name: "blank background stays blank",
			in: []string{
				"...",
				"...",
				"...",
			},
			want: []string{
				"...",
				"...",
				"...",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rowsOf(Despeckle(binaryFromRows(tt.in...)))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDespeckleReadsOriginalNeighbours(t *testing.T) {
	// The left gap fills. Reading partially updated output, the right gap
	// would then see four straight ink neighbours and fill too.
	in := binaryFromRows(
		"###.#",
		"#..##",
		"#####",
	)
	got := rowsOf(Despeckle(in))
	want := []string{
		"###.#",
		"##.##",
		"#####",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if rowsOf(in)[1] != "#..##" {
		t.Fatalf("input buffer was mutated")
	}
}

func TestPaletteCleansSpecksAndHoles(t *testing.T) {
	red := pixel.Pixel{R: 255, G: 0, B: 0}

	speck := pixel.New(9, 9, pixel.RGB)
	for y := 0; y < 9; y++ {
		for x := 0; x < 9; x++ {
			speck.Set(x, y, pixel.White)
		}
	}
	stroke := speck.Clone()
	speck.Set(4, 4, red)

	for _, r := range rowsOf(Palette().Run(speck)) {
		if r != "........." {
			t.Fatalf("speck not removed: %v", rowsOf(Palette().Run(speck)))
		}
	}

	for y := 3; y <= 5; y++ {
		for x := 2; x <= 6; x++ {
			stroke.Set(x, y, red)
		}
	}
	stroke.Set(4, 4, pixel.White)

	got := rowsOf(Palette().Run(stroke))
	want := []string{
		".........",
		".........",
		".........",
		"..#####..",
		"..#####..",
		"..#####..",
		".........",
		".........",
		".........",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDespeckleKeepsBorder(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		src := randomRGB(seed, 17, 9)
		binarized := BinarizeInk(src)

		// Scribble ink on the border so the invariant is not trivially all background
		noisy := binarized.Clone()
		for x := 0; x < noisy.Width(); x += 2 {
			noisy.Set(x, 0, pixel.Ink)
		}
		for _, b := range []*pixel.Buffer{binarized, noisy} {
			out := Despeckle(b)
			for y := 0; y < b.Height(); y++ {
				for x := 0; x < b.Width(); x++ {
					if b.IsBorder(x, y) && out.At(x, y) != b.At(x, y) {
						t.Fatalf("seed %d: border pixel (%d,%d) changed", seed, x, y)
					}
				}
			}
		}
	}
}

func TestKeepBlack(t *testing.T) {
	src := pixel.New(4, 1, pixel.RGB)
	src.Set(0, 0, pixel.Black)
	src.Set(1, 0, pixel.Pixel{R: 1, G: 0, B: 0})
	src.Set(2, 0, pixel.Pixel{R: 0, G: 0, B: 1})
	src.Set(3, 0, pixel.Pixel{R: 30, G: 200, B: 90})

	out := KeepBlack(src)
	want := []pixel.Pixel{pixel.Black, pixel.White, pixel.White, pixel.White}
	for x, w := range want {
		if got := out.At(x, 0); got != w {
			t.Fatalf("pixel %d = %v, want %v", x, got, w)
		}
	}
}

func TestKeepBlackIdempotent(t *testing.T) {
	for seed := int64(1); seed <= 10; seed++ {
		src := randomRGB(seed, 12, 8)
		src.Set(3, 3, pixel.Black)
		once := KeepBlack(src)
		twice := KeepBlack(once)
		if !once.Equal(twice) {
			t.Fatalf("seed %d: recolor is not idempotent", seed)
		}
	}
}

func TestThresholdTable(t *testing.T) {
	table := ThresholdTable(ShadowCutoff)

	for i := 0; i < ShadowCutoff; i++ {
		if table[i] != uint8(i) {
			t.Fatalf("table[%d] = %d, want unchanged", i, table[i])
		}
	}
	for i := ShadowCutoff; i < 256; i++ {
		if table[i] != 255 {
			t.Fatalf("table[%d] = %d, want 255", i, table[i])
		}
	}
	for a := 0; a < 255; a++ {
		if table[a] > table[a+1] {
			t.Fatalf("table not monotonic at %d: %d > %d", a, table[a], table[a+1])
		}
	}
}

func TestShadowThresholdConvertsToGray(t *testing.T) {
	src := pixel.New(3, 1, pixel.RGB)
	src.Set(0, 0, pixel.Pixel{R: 63, G: 63, B: 63})
	src.Set(1, 0, pixel.Pixel{R: 64, G: 64, B: 64})
	src.Set(2, 0, pixel.Black)

	out := ShadowThreshold(ShadowCutoff)(src)
	if out.Format() != pixel.Gray {
		t.Fatalf("format = %v, want gray", out.Format())
	}
	want := []uint8{63, 255, 0}
	for x, w := range want {
		if got := out.At(x, 0).R; got != w {
			t.Fatalf("pixel %d = %d, want %d", x, got, w)
		}
	}
}
