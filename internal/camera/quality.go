package camera

// QualityLevel is a discrete point on the cost/fidelity trade-off applied per
// camera. Levels are ordered by decreasing resource cost; the adaptive
// controller walks down this ladder under load and back up on recovery.
type QualityLevel int

const (
	QualityFull           QualityLevel = iota // every frame, full resolution
	QualityReduced                            // every frame, half resolution
	QualitySkip2                              // every 2nd frame
	QualitySkip4                              // every 4th frame
	QualityMinimalPreview                     // every 8th frame, quarter resolution
)

// SkipDivisor returns k where only every k-th pulled frame is processed.
// Frames shed this way are discarded right after the device read, before any
// decode or resample cost is paid.
func (q QualityLevel) SkipDivisor() uint64 {
	switch q {
	case QualitySkip2:
		return 2
	case QualitySkip4:
		return 4
	case QualityMinimalPreview:
		return 8
	default:
		return 1
	}
}

// Downscale returns the resolution divisor applied to processed frames.
func (q QualityLevel) Downscale() int {
	switch q {
	case QualityReduced:
		return 2
	case QualityMinimalPreview:
		return 4
	default:
		return 1
	}
}

func (q QualityLevel) String() string {
	switch q {
	case QualityFull:
		return "full"
	case QualityReduced:
		return "reduced"
	case QualitySkip2:
		return "skip2"
	case QualitySkip4:
		return "skip4"
	case QualityMinimalPreview:
		return "minimal"
	default:
		return "unknown"
	}
}
