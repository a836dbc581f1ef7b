package dataio

import (
	"bufio"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// #############################################################################

// SampleData holds one generated dataset per party. Party 0 holds N0 records,
// every other party Ni; exactly intCard records are shared by all parties and
// no other record is held by every party.
type SampleData struct {
	Xs [][]string
}

func NewSampleData(nParties, N0, Ni, intCard int, seed int64) (*SampleData, error) {
	if nParties < 2 {
		return nil, errors.Newf("need at least 2 parties, got %d", nParties)
	}
	if intCard > N0 || intCard > Ni {
		return nil, errors.Newf("intersection %d larger than a dataset (%d, %d)", intCard, N0, Ni)
	}
	d := &SampleData{Xs: make([][]string, nParties)}
	d.GenerateI(rand.New(rand.NewSource(seed)), N0, Ni, intCard)
	return d, nil
}

func (d *SampleData) GenerateI(rng *rand.Rand, N0, Ni, intCard int) {
	nParties := len(d.Xs)
	sets := make([]*Set, nParties)
	I := RandomSet(rng, intCard, 12)
	largest := Ni
	if N0 > largest {
		largest = N0
	}
	U := RandomSet(rng, largest*nParties*2, 12).Difference(I)
	intersection := I.Serialize()
	for i := 0; i < nParties; i++ {
		sets[i] = NewSet(intersection)
	}
	Ucount := make(map[string]int)
	Uarr := U.Serialize()
	sort.Strings(Uarr)

	for i := 0; i < nParties; i++ {
		rem := N0
		if i > 0 {
			rem = Ni
		}
		for sets[i].Size() < rem {
			k := Uarr[rng.Intn(len(Uarr))]
			v := Ucount[k]
			if v < nParties-1 && !sets[i].Contains(k) {
				sets[i].Add(k)
				Ucount[k] = v + 1
			}
		}
		d.Xs[i] = sets[i].Serialize()
		sort.Strings(d.Xs[i])
	}
}

// Intersection returns the records held by every party, sorted.
func (d *SampleData) Intersection() []string {
	inter := NewSet(d.Xs[0])
	for i := 1; i < len(d.Xs); i++ {
		inter = inter.Intersection(NewSet(d.Xs[i]))
	}
	ret := inter.Serialize()
	sort.Strings(ret)
	return ret
}

func (d *SampleData) Write(fs afero.Fs, dataDir string) error {
	if err := fs.MkdirAll(dataDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dataDir)
	}
	for i := range d.Xs {
		if err := WriteLines(fs, d.Path(dataDir, i), d.Xs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *SampleData) Path(dataDir string, party int) string {
	return filepath.Join(dataDir, fmt.Sprintf("%d.txt", party))
}

// #############################################################################

func WriteLines(fs afero.Fs, fpath string, strs []string) error {
	file, err := fs.Create(fpath)
	if err != nil {
		return errors.Wrapf(err, "create %s", fpath)
	}
	w := bufio.NewWriter(file)
	for _, s := range strs {
		_, _ = w.WriteString(s + "\n")
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return errors.Wrapf(err, "write %s", fpath)
	}
	return file.Close()
}

func ReadLines(fs afero.Fs, fpath string) ([]string, error) {
	file, err := fs.Open(fpath)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", fpath)
	}
	defer file.Close()

	var ret []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			ret = append(ret, line)
		}
	}
	return ret, errors.Wrapf(scanner.Err(), "read %s", fpath)
}

// #############################################################################

type Set struct {
	data map[string]bool
}

func NewSet(strs []string) *Set {
	set := &Set{data: make(map[string]bool, len(strs))}
	for _, s := range strs {
		set.data[s] = true
	}
	return set
}

func RandomSet(rng *rand.Rand, n, l int) *Set {
	s := NewSet(nil)
	for s.Size() < n {
		s.Add(RandomString(rng, l))
	}
	return s
}

func (s *Set) Size() int {
	return len(s.data)
}

func (s *Set) Add(t string) {
	s.data[t] = true
}

func (s *Set) Remove(t string) {
	delete(s.data, t)
}

func (s *Set) Contains(t string) bool {
	_, ok := s.data[t]
	return ok
}

func (s *Set) Intersection(r *Set) *Set {
	i := make(map[string]bool)
	for k := range r.data {
		if s.data[k] {
			i[k] = true
		}
	}
	return &Set{i}
}

func (s *Set) Union(r *Set) *Set {
	u := make(map[string]bool, len(s.data)+len(r.data))
	for k := range s.data {
		u[k] = true
	}
	for k := range r.data {
		u[k] = true
	}
	return &Set{u}
}

func (s *Set) Difference(r *Set) *Set {
	u := make(map[string]bool, len(s.data))
	for k := range s.data {
		if !r.data[k] {
			u[k] = true
		}
	}
	return &Set{u}
}

func (s *Set) Serialize() []string {
	ret := make([]string, 0, s.Size())
	for k := range s.data {
		ret = append(ret, k)
	}
	return ret
}

func RandomString(rng *rand.Rand, n int) string {
	var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ!@#$%^&*(1234567890")
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rng.Intn(len(letterRunes))]
	}
	return string(b)
}
