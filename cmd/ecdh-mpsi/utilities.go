package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/markkurossi/tabulate"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
)

// #############################################################################

type Stopwatch struct {
	start time.Time
}

func (w *Stopwatch) Reset() {
	w.start = time.Now()
}

func (w *Stopwatch) Elapsed() time.Duration {
	return time.Since(w.start)
}

// #############################################################################

func NewProgressBar(sz int, color, name string) *progressbar.ProgressBar {
	return progressbar.NewOptions(sz,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(fmt.Sprintf("[%s]%s...[reset]", color, name)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

// newLogger logs to <resDir>/log.txt, or to stderr when resDir is empty.
func newLogger(fs afero.Fs, resDir string, debug bool) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if resDir == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).
			With().Timestamp().Logger(), io.NopCloser(nil), nil
	}
	if err := fs.MkdirAll(resDir, 0o755); err != nil {
		return zerolog.Nop(), nil, errors.Wrapf(err, "create %s", resDir)
	}
	file, err := fs.OpenFile(path.Join(resDir, "log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, errors.Wrap(err, "open log file")
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: file, NoColor: true}).Level(level).
		With().Timestamp().Logger()
	return logger, file, nil
}

// #############################################################################

type configLine struct {
	key, value string
}

func PrintInfo(lines []configLine) {
	color.Set(color.FgGreen, color.Bold)
	defer color.Unset()
	for _, l := range lines {
		fmt.Printf("{CONFIG}\t%s: %s\n", l.key, l.value)
	}
}

type phase struct {
	label string
	d     time.Duration
}

// PrintTimings renders the per-phase wall clock times.
func PrintTimings(phases []phase) {
	var total time.Duration
	for _, p := range phases {
		total += p.d
	}
	tab := tabulate.New(tabulate.UnicodeLight)
	tab.Header("Phase").SetAlign(tabulate.ML)
	tab.Header("Time").SetAlign(tabulate.MR)
	tab.Header("%").SetAlign(tabulate.MR)
	for _, p := range phases {
		row := tab.Row()
		row.Column(p.label)
		row.Column(p.d.String())
		row.Column(fmt.Sprintf("%.2f%%", float64(p.d)/float64(max(total, 1))*100))
	}
	row := tab.Row()
	row.Column("Total").SetFormat(tabulate.FmtBold)
	row.Column(total.String()).SetFormat(tabulate.FmtBold)
	row.Column("").SetFormat(tabulate.FmtBold)
	tab.Print(os.Stdout)
}

// Save appends one benchmark line to fname.
func Save(fs afero.Fs, fname string, nParties, n0, ni, card, cardComputed int, phases []phase) error {
	strs := []string{strconv.Itoa(nParties), strconv.Itoa(n0), strconv.Itoa(ni),
		strconv.Itoa(card), strconv.Itoa(cardComputed)}
	for _, p := range phases {
		strs = append(strs, p.d.String())
	}
	file, err := fs.OpenFile(fname, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", fname)
	}
	defer file.Close()
	_, err = fmt.Fprintln(file, strings.Join(strs, ","))
	return errors.Wrapf(err, "write %s", fname)
}
