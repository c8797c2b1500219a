package detector

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
)

// Classes are the object classes Simulated reports.
var Classes = []string{"car", "person", "bicycle", "dog", "bus", "truck"}

const (
	simFPS            = 30
	simFrameWidth     = 1280
	simFrameHeight    = 720
	simDefaultSeconds = 60
)

// Simulated produces plausible detections without running a model. The
// output depends only on the analysis ID and duration, so repeated runs
// agree.
type Simulated struct{}

// Detect returns between three and eight tracked objects.
func (Simulated) Detect(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := req.ModelVersion
	if model == "" {
		model = DefaultModel
	}
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = simDefaultSeconds
	}

	h := fnv.New64a()
	h.Write([]byte(req.AnalysisID))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	n := 3 + rng.IntN(6)
	dets := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		d := Detection{
			ObjectClass: Classes[rng.IntN(len(Classes))],
			TrackID:     i + 1,
		}
		for j, apps := 0, 1+rng.IntN(3); j < apps; j++ {
			start := round2(rng.Float64() * duration * 0.9)
			end := round2(math.Min(duration, start+1+rng.Float64()*duration*0.2))
			conf := round2(0.6 + rng.Float64()*0.38)
			d.Appearances = append(d.Appearances, Appearance{StartTime: start, EndTime: end, Confidence: conf})

			// One sampled frame at each end of the interval.
			for _, t := range []float64{start, end} {
				w := 40 + rng.Float64()*200
				hgt := 40 + rng.Float64()*200
				d.Frames = append(d.Frames, Frame{
					FrameNumber: int(t * simFPS),
					Time:        t,
					Confidence:  conf,
					BBox: BBox{
						X:      round2(rng.Float64() * (simFrameWidth - w)),
						Y:      round2(rng.Float64() * (simFrameHeight - hgt)),
						Width:  round2(w),
						Height: round2(hgt),
					},
				})
			}
		}
		dets = append(dets, d)
	}
	return &Result{ModelVersion: model, Detections: dets}, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
