package reader

import "fmt"

// Band is the slice of overall progress one stage occupies.
type Band struct {
	Start float64 `yaml:"start" json:"start"`
	End   float64 `yaml:"end" json:"end"`
}

// Stages assigns a band to every stage of a conversion.
type Stages struct {
	// Download is used while raw bytes are fetched outside the engine.
	Download Band `yaml:"download" json:"download"`
	// Load follows a download; LoadDirect replaces it when the engine loads the source itself.
	Load       Band `yaml:"load" json:"load"`
	LoadDirect Band `yaml:"loadDirect" json:"loadDirect"`
	// Render covers loading the reader page and the image pass.
	Render Band `yaml:"render" json:"render"`
}

// DefaultStages splits progress the way the conversion spends its time.
var DefaultStages = Stages{
	Download:   Band{Start: 0, End: 0.75},
	Load:       Band{Start: 0.75, End: 0.9},
	LoadDirect: Band{Start: 0, End: 0.9},
	Render:     Band{Start: 0.9, End: 1},
}

// Validate checks every band lies in [0,1] and that stages move forward.
func (s Stages) Validate() error {
	named := []struct {
		name string
		b    Band
	}{{"download", s.Download}, {"load", s.Load}, {"loadDirect", s.LoadDirect}, {"render", s.Render}}
	for _, n := range named {
		if n.b.Start < 0 || n.b.End > 1 || n.b.Start > n.b.End {
			return fmt.Errorf("progress stage %s: invalid band [%g, %g]", n.name, n.b.Start, n.b.End)
		}
	}
	if s.Download.End > s.Load.Start {
		return fmt.Errorf("progress stages: download ends after load starts")
	}
	if s.Load.End > s.Render.Start || s.LoadDirect.End > s.Render.Start {
		return fmt.Errorf("progress stages: load ends after render starts")
	}
	return nil
}

// Progress folds per-stage fractions into one nondecreasing value in [0,1].
// It is not safe for concurrent use; a session calls it from its own goroutine.
type Progress struct {
	sink     func(float64)
	band     Band
	last     float64
	reported bool
}

// NewProgress returns an aggregator writing to sink, which may be nil.
func NewProgress(sink func(float64)) *Progress {
	return &Progress{sink: sink, band: Band{Start: 0, End: 1}}
}

// Enter switches to b. Fractions reported afterwards map into b; the output never goes back.
func (p *Progress) Enter(b Band) {
	p.band = b
	if b.Start > p.last {
		p.emit(b.Start)
	}
}

// Report maps f in [0,1] into the current band.
func (p *Progress) Report(f float64) {
	if f != f { // NaN
		return
	}
	f = clamp01(f)
	p.emit(p.band.Start + (p.band.End-p.band.Start)*f)
}

// Complete reports exactly 1.0.
func (p *Progress) Complete() {
	p.emit(1)
}

// Value is the last value handed to the sink.
func (p *Progress) Value() float64 { return p.last }

func (p *Progress) emit(v float64) {
	v = clamp01(v)
	if p.reported && v <= p.last {
		return
	}
	if v < p.last {
		v = p.last
	}
	p.last = v
	p.reported = true
	if p.sink != nil {
		p.sink(v)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
