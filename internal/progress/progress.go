package progress

// Progress is a point-in-time snapshot of transfer progress for one job.
// A TotalSize of zero means the source did not declare a length; in that case
// PercentKnown is false and Percentage must be treated as indeterminate
// rather than zero.
type Progress struct {
	Downloaded   int64
	TotalSize    int64
	Percentage   float64
	PercentKnown bool
	SpeedBPS     int64
}

// FromBytes derives a Progress from raw byte counts.
func FromBytes(downloaded, total, speed int64) Progress {
	p := Progress{
		Downloaded: downloaded,
		TotalSize:  total,
		SpeedBPS:   speed,
	}

	if total > 0 {
		p.Percentage = Percentage(downloaded, total)
		p.PercentKnown = true
	}

	return p
}

// Percentage computes downloaded/total*100 clamped to [0,100].
func Percentage(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}

	pct := float64(downloaded) / float64(total) * 100
	if pct > 100 {
		return 100
	}

	if pct < 0 {
		return 0
	}

	return pct
}
