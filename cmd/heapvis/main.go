// Command heapvis turns the kernel heap allocator's "[heap]" region-dump
// lines into a pprof profile, giving the region list (address, size,
// used/free) a visual growth and fragmentation view via `go tool pprof`.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/google/pprof/profile"
)

var lineRE = regexp.MustCompile(`\[heap\] region addr=([0-9a-fA-F]+) size=(\d+) used=(true|false)`)

// Region is one parsed "[heap] region addr=... size=... used=..." line.
type Region struct {
	Addr uint64
	Size uint64
	Used bool
}

// ParseLog scans r line by line and returns every Region it finds,
// ignoring lines that don't match (the serial log carries plenty of
// other kfmt.Printf output interleaved with the heap dump).
func ParseLog(r io.Reader) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := lineRE.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		addr, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("heapvis: parsing address %q: %w", m[1], err)
		}
		size, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("heapvis: parsing size %q: %w", m[2], err)
		}
		regions = append(regions, Region{Addr: addr, Size: size, Used: m[3] == "true"})
	}
	return regions, scanner.Err()
}

// BuildProfile renders regions as a pprof profile with one sample per
// region: its Location's function name is "used" or "free", and its
// value is the region's size in bytes. That's enough for `go tool pprof
// -top` and `-traces` to show where the heap's bytes and fragmentation
// are, without inventing a real call-stack symbolization the kernel
// can't provide.
func BuildProfile(regions []Region) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "bytes", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "region", Unit: "count"},
		Period:     1,
	}

	functions := map[string]*profile.Function{}
	functionFor := func(name string) *profile.Function {
		if fn, ok := functions[name]; ok {
			return fn
		}
		fn := &profile.Function{ID: uint64(len(functions) + 1), Name: name}
		functions[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	for i, r := range regions {
		label := "free"
		if r.Used {
			label = "used"
		}
		fn := functionFor(label)
		loc := &profile.Location{
			ID:      uint64(i + 1),
			Address: r.Addr,
			Line:    []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(r.Size)},
			Label:    map[string][]string{"addr": {fmt.Sprintf("0x%x", r.Addr)}},
		})
	}
	return p
}

func main() {
	in := flag.String("in", "", "path to a serial log file (default: stdin)")
	out := flag.String("out", "heap.pb.gz", "output pprof profile path")
	flag.Parse()

	var r io.Reader = os.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			fmt.Fprintln(os.Stderr, "heapvis:", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}

	regions, err := ParseLog(r)
	if err != nil {
		fmt.Fprintln(os.Stderr, "heapvis:", err)
		os.Exit(1)
	}
	if len(regions) == 0 {
		fmt.Fprintln(os.Stderr, "heapvis: no \"[heap]\" region lines found")
		os.Exit(1)
	}

	p := BuildProfile(regions)

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintln(os.Stderr, "heapvis:", err)
		os.Exit(1)
	}
	defer f.Close()

	if err := p.Write(f); err != nil {
		fmt.Fprintln(os.Stderr, "heapvis:", err)
		os.Exit(1)
	}
	fmt.Printf("heapvis: wrote %s (%d regions)\n", *out, len(regions))
}
