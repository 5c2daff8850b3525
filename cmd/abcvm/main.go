// abcvm runs AVM2 program images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chazu/avm2/manifest"
	"github.com/chazu/avm2/vm"
	"github.com/chazu/avm2/vm/image"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("avm2.cli")

func main() {
	configDir := flag.String("C", ".", "Directory to search for avm.toml")
	script := flag.Int("script", -1, "Script of the entry image to run (overrides avm.toml)")
	entry := flag.String("entry", "", "Global function to call after the script (overrides avm.toml)")
	workers := flag.Int("workers", 0, "Number of parallel workers calling the entry (overrides avm.toml)")
	verbosity := flag.Int("v", -1, "Log verbosity: 0 notice, 1 info, 2 debug (overrides avm.toml)")
	noOpt := flag.Bool("no-opt", false, "Disable the optimizing translator")
	disasm := flag.Bool("disasm", false, "Print canonical and translated code of every method, then exit")
	dumpDir := flag.String("dump", "", "Write a CBOR translation dump per method into this directory after running")
	stats := flag.Bool("stats", false, "Print inline cache statistics after running")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: abcvm [options] [images...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads program images in order and runs a script of the last one.\n")
		fmt.Fprintf(os.Stderr, "Without image arguments the images named by avm.toml are used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  abcvm main.abc                    # Run script 0 of main.abc\n")
		fmt.Fprintf(os.Stderr, "  abcvm -entry main -workers 4 a.abc  # Run a.abc, then call main() on 4 workers\n")
		fmt.Fprintf(os.Stderr, "  abcvm -disasm main.abc            # Show translated code\n")
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
	}

	if *verbosity >= 0 {
		m.Log.Verbosity = *verbosity
	}
	m.ConfigureLogging()

	if *script >= 0 {
		m.Program.Script = *script
	}
	if *entry != "" {
		m.Program.Entry = *entry
	}
	if *workers > 0 {
		m.Program.Workers = *workers
	}
	if *noOpt {
		m.Optimizer.Enabled = false
		m.Optimizer.Required = false
	}

	paths := flag.Args()
	if len(paths) == 0 {
		paths = m.ImagePaths()
	}
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts, err := m.Options()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	code, err := run(opts, m, paths, *disasm, *dumpDir, *stats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run loads the images and executes the program. The returned code is the
// process exit status on success.
func run(opts vm.Options, m *manifest.Manifest, paths []string, disasm bool, dumpDir string, stats bool) (int, error) {
	machine := vm.NewVM(opts)
	defer machine.Close()

	programs := make([]*vm.Program, 0, len(paths))
	for _, path := range paths {
		p, err := image.LoadProgram(path)
		if err != nil {
			return 1, err
		}
		if err := machine.Load(p); err != nil {
			return 1, fmt.Errorf("%s: %w", path, err)
		}
		log.Infof("loaded %s: %d methods, %d classes, %d scripts", path, len(p.Methods), len(p.Classes), len(p.Scripts))
		programs = append(programs, p)
	}

	if disasm {
		for _, p := range programs {
			if err := disassemble(machine, p); err != nil {
				return 1, err
			}
		}
		return 0, nil
	}

	ctx := context.Background()
	w := machine.NewWorker(ctx)
	defer w.Close()

	// Libraries run every script so their definitions are in place.
	for _, p := range programs[:len(programs)-1] {
		for i := range p.Scripts {
			r, err := w.RunScript(p, i)
			if err != nil {
				return 1, describe(w, err)
			}
			machine.Heap.Release(r)
		}
	}

	last := programs[len(programs)-1]
	result, err := w.RunScript(last, m.Program.Script)
	if err != nil {
		return 1, describe(w, err)
	}

	if m.Program.Entry != "" {
		machine.Heap.Release(result)
		result, err = callEntry(machine, m.Program.Entry, m.Program.Workers)
		if err != nil {
			return 1, describe(w, err)
		}
	}

	code := 0
	if result.IsInt() {
		code = int(result.Int())
	} else if result != vm.Undefined {
		s, err := w.ToGoString(result)
		if err != nil {
			machine.Heap.Release(result)
			return 1, describe(w, err)
		}
		fmt.Println(s)
	}
	machine.Heap.Release(result)

	if dumpDir != "" {
		if err := dump(machine, programs, dumpDir); err != nil {
			return 1, err
		}
	}
	if stats {
		printStats(machine.CollectICStats())
	}
	return code, nil
}

// callEntry calls the global function name on n parallel workers and
// returns the result of the first one.
func callEntry(machine *vm.VM, name string, n int) (vm.Atom, error) {
	fn, ok := machine.Domain.Get(name)
	if !ok {
		return vm.Undefined, fmt.Errorf("entry %q is not defined", name)
	}
	defer machine.Heap.Release(fn)

	var (
		mu     sync.Mutex
		result = vm.Undefined
	)
	err := machine.RunWorkers(context.Background(), n, func(w *vm.Worker, i int) error {
		r, err := w.Call(fn, machine.Domain.Global(), nil)
		if err != nil {
			return err
		}
		if i == 0 {
			mu.Lock()
			result = r
			mu.Unlock()
			return nil
		}
		machine.Heap.Release(r)
		return nil
	})
	if err != nil {
		machine.Heap.Release(result)
		return vm.Undefined, err
	}
	return result, nil
}

// describe renders a scripted exception with its string conversion.
func describe(w *vm.Worker, err error) error {
	var te *vm.ThrownError
	if !errors.As(err, &te) {
		return err
	}
	defer te.Release()
	return fmt.Errorf("uncaught exception: %s", w.VM().ToGoString(te.Value))
}

func disassemble(machine *vm.VM, p *vm.Program) error {
	for i, m := range p.Methods {
		if m.Body == nil {
			continue
		}
		fmt.Printf("method %d %s\n", i, m)
		fmt.Print(vm.Disassemble(m.Body.Code))
		tr, err := machine.Translate(m)
		if err != nil {
			fmt.Printf("  not translated: %v\n\n", err)
			continue
		}
		fmt.Printf("translated (%d blocks):\n", tr.Blocks)
		fmt.Print(tr.Disassemble())
		fmt.Println()
	}
	return nil
}

func dump(machine *vm.VM, programs []*vm.Program, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for pi, p := range programs {
		for mi, m := range p.Methods {
			if m.Body == nil {
				continue
			}
			tr, err := machine.Translate(m)
			if err != nil {
				log.Warningf("%s: not translated: %v", m, err)
				continue
			}
			d, err := image.DumpTranslation(tr)
			if err != nil {
				return err
			}
			data, err := image.MarshalDump(d)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, fmt.Sprintf("p%d-m%d.cbor", pi, mi))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func printStats(s vm.ICStats) {
	fmt.Fprintf(os.Stderr, "inline caches: %d sites\n", s.TotalSites)
	fmt.Fprintf(os.Stderr, "  empty %d, monomorphic %d, polymorphic %d, megamorphic %d\n",
		s.Empty, s.Monomorphic, s.Polymorphic, s.Megamorphic)
	fmt.Fprintf(os.Stderr, "  hits %d, misses %d, hit rate %.1f%%, monomorphic rate %.1f%%\n",
		s.TotalHits, s.TotalMisses, s.HitRate, s.MonomorphicRate)
}
