package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/muonscope/oscilloscope"
)

// FITSArchive writes each shot to its own FITS file in Dir.
// The image is 64-bit float with one row per series, the time axis first
// and then one row per channel.
type FITSArchive struct {
	Dir string
}

// Filename returns the path of the archive file for shot n taken at t
func (a FITSArchive) Filename(t time.Time, n int) string {
	return filepath.Join(a.Dir, fmt.Sprintf("%s_%05d.fits", t.In(Zone).Format("20060102"), n))
}

func cards(shot oscilloscope.Shot, t time.Time) []fitsio.Card {
	c := []fitsio.Card{
		{Name: "DATE-OBS", Value: t.UTC().Format(time.RFC3339Nano), Comment: "time the shot was read"},
		{Name: "NCHAN", Value: len(shot.Traces), Comment: "channels, rows 2..N+1"},
	}
	for i, tr := range shot.Traces {
		p := tr.Preamble
		c = append(c,
			fitsio.Card{Name: fmt.Sprintf("CHAN%d", i+1), Value: tr.Channel, Comment: "scope channel of this row"},
			fitsio.Card{Name: fmt.Sprintf("XINCR%d", i+1), Value: p.TimeIncrement, Comment: "sample interval, s"},
			fitsio.Card{Name: fmt.Sprintf("PTOFF%d", i+1), Value: p.PreTriggerOffset, Comment: "trigger index"},
			fitsio.Card{Name: fmt.Sprintf("YMULT%d", i+1), Value: p.VoltsPerLevel, Comment: "volts per level"},
			fitsio.Card{Name: fmt.Sprintf("YZERO%d", i+1), Value: p.VoltZero, Comment: "reference voltage, V"},
			fitsio.Card{Name: fmt.Sprintf("YOFF%d", i+1), Value: p.VerticalPosition, Comment: "reference position, levels"},
		)
	}
	return c
}

// Write archives shot as shot number n taken at t.
// Existing files are not overwritten.
func (a FITSArchive) Write(shot oscilloscope.Shot, t time.Time, n int) (err error) {
	npts := shot.Len()
	buf := make([]float64, 0, npts*(1+len(shot.Traces)))
	buf = append(buf, shot.Time...)
	for _, tr := range shot.Traces {
		if len(tr.Volts) != npts {
			return errors.Errorf("CH%d has %d points, time axis has %d", tr.Channel, len(tr.Volts), npts)
		}
		buf = append(buf, tr.Volts...)
	}

	path := a.Filename(t, n)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{npts, 1 + len(shot.Traces)})
	defer im.Close()
	if err = im.Header().Append(cards(shot, t)...); err != nil {
		return err
	}
	if err = im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}
