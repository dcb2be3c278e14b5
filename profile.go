package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// startProfiling starts a cpu profile and execution trace if their paths are
// non-empty. The returned function stops them and writes a memory profile if
// mempath is non-empty. Useful for looking at the behaviour of the parser with
// large messages.
func startProfiling(cpupath, mempath, tracepath string) (stop func()) {
	var stops []func()

	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "create trace file")
		err = trace.Start(f)
		xcheckf(err, "start trace")
		stops = append(stops, func() {
			trace.Stop()
			err := f.Close()
			xcheckf(err, "close trace file")
		})
	}

	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			if err := f.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		})
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		if mempath != "" {
			writeMemProfile(mempath)
		}
	}
}

func writeMemProfile(path string) {
	f, err := os.Create(path)
	xcheckf(err, "creating memory profile")
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("closing memory profile: %v", err)
		}
	}()
	runtime.GC() // For up-to-date statistics.
	err = pprof.WriteHeapProfile(f)
	xcheckf(err, "writing memory profile")
}
