package model

import "strconv"

// Key addresses one stored record.
type Key struct {
	Output      string
	ProducerUID string
	FoiUID      string // empty means no feature of interest
	Timestamp   float64
}

// String returns a compact representation used in logs.
func (k Key) String() string {
	foi := k.FoiUID
	if foi == "" {
		foi = "-"
	}
	return k.Output + "/" + k.ProducerUID + "/" + foi + "@" + strconv.FormatFloat(k.Timestamp, 'f', -1, 64)
}
