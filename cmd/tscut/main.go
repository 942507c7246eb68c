/*
NAME
  main.go

DESCRIPTION
  tscut is the command-line front end for the cut editor: it drives a
  single Snipper through analyze/cut/write against either a project file
  or a bare input path and a set of slice ranges given on the command
  line. It is the "external collaborator" spec.md §6 describes, built the
  same flag+lumberjack way the teacher's rv/speaker/looper commands are.

AUTHOR
  tscut authors

LICENSE
  Copyright (C) 2024 tscut authors. Released under the MIT license.
*/

// Package main implements the tscut command-line cut editor.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tidewaveav/tscut/project"
	"github.com/tidewaveav/tscut/snipper"
	"github.com/tidewaveav/tscut/tslog"
	"github.com/tidewaveav/tscut/tsval"
)

// Current software version.
const version = "v1.0.0"

// Logging configuration, matching the teacher's cmd/* defaults.
const (
	logMaxSizeMB   = 100
	logMaxBackups  = 10
	logMaxAgeDays  = 28
	defaultLogPath = "" // empty means stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tscut", flag.ContinueOnError)
	var (
		showVersion = fs.Bool("version", false, "show version")
		inPath      = fs.String("in", "", "input transport stream path")
		outPath     = fs.String("out", "", "output transport stream path (required for cut/write)")
		projPath    = fs.String("project", "", "cut-plan JSON project file")
		writeProj   = fs.String("save-project", "", "write the resulting slice list to this project file after cutting")
		cuts        = fs.String("cut", "", "comma-separated begin:end I-frame pairs, e.g. 0:10,50:60")
		disable     = fs.String("disable-pid", "", "comma-separated PIDs (decimal) to drop entirely")
		logPath     = fs.String("log", defaultLogPath, "log file path (default: stderr)")
		logLevel    = fs.Int("log-level", 1, "log verbosity: 0=debug 1=info 2=warning 3=error")
	)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: tscut -in FILE -out FILE [-cut B:E,...] [-disable-pid P,...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("tscut", version)
		return 0
	}

	log := tslog.New(tslog.Config{
		Path:       *logPath,
		MaxSizeMB:  logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAgeDays: logMaxAgeDays,
		Level:      int8(*logLevel),
	})

	s, pr, err := openSnipper(*inPath, *projPath, log)
	if err != nil {
		log.Error("open failed", "error", err.Error())
		return 1
	}
	defer s.Unref()

	if err := s.Analyze(nil); err != nil {
		log.Error("analyze failed", "error", err.Error())
		return 1
	}
	log.Info("analyze complete", "iframes", s.IFrameCount())

	if pr != nil {
		if !pr.Validate() {
			log.Warning("project sha1 mismatch; input may have changed since the project was saved")
		}
		if failed := pr.ApplySlices(); failed > 0 {
			log.Warning("some project slices failed to resolve", "failed", failed)
		}
	}

	if err := applyCutFlag(s, *cuts); err != nil {
		log.Error("invalid -cut argument", "error", err.Error())
		return 2
	}
	if err := applyDisableFlag(s, *disable); err != nil {
		log.Error("invalid -disable-pid argument", "error", err.Error())
		return 2
	}

	if *outPath == "" {
		// Analyze-only / probe mode: report and exit.
		printSummary(s)
		return 0
	}

	if err := writeOutput(s, *outPath); err != nil {
		log.Error("write failed", "error", err.Error())
		return 1
	}
	log.Info("write complete", "out", *outPath)

	if *writeProj != "" {
		if pr == nil {
			pr = project.New(s)
		}
		if err := pr.Write(*writeProj); err != nil {
			log.Error("save-project failed", "error", err.Error())
			return 1
		}
	}
	return 0
}

func openSnipper(inPath, projPath string, log tslog.Logger) (*snipper.Snipper, *project.Project, error) {
	if projPath != "" {
		pr, err := project.NewFromFile(projPath, snipper.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return pr.Snipper(), pr, nil
	}
	if inPath == "" {
		return nil, nil, errors.New("tscut: -in or -project is required")
	}
	s, err := snipper.Open(inPath, snipper.WithLogger(log))
	return s, nil, err
}

// applyCutFlag parses "-cut" as a comma-separated list of begin:end
// I-frame pairs, where either side may be "-" for FrameIDInvalid (from
// start / to end of file).
func applyCutFlag(s *snipper.Snipper, spec string) error {
	if spec == "" {
		return nil
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed cut range %q", pair)
		}
		begin, err := parseFrameID(parts[0])
		if err != nil {
			return errors.Wrapf(err, "begin of %q", pair)
		}
		end, err := parseFrameID(parts[1])
		if err != nil {
			return errors.Wrapf(err, "end of %q", pair)
		}
		if s.AddSlice(begin, end) == tsval.SliceIDInvalid {
			return errors.Errorf("could not add slice %q", pair)
		}
	}
	return nil
}

func parseFrameID(s string) (tsval.FrameID, error) {
	if s == "-" || s == "" {
		return tsval.FrameIDInvalid, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return tsval.FrameID(n), nil
}

func applyDisableFlag(s *snipper.Snipper, spec string) error {
	if spec == "" {
		return nil
	}
	for _, tok := range strings.Split(spec, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 16)
		if err != nil {
			return errors.Wrapf(err, "pid %q", tok)
		}
		s.DisablePID(uint16(n))
	}
	return nil
}

func writeOutput(s *snipper.Snipper, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrap(err, "tscut: create output")
	}
	defer f.Close()

	werr := s.Write(func(b []byte) bool {
		_, err := f.Write(b)
		return err == nil
	}, nil)
	if werr != nil {
		return werr
	}
	return f.Sync()
}

func printSummary(s *snipper.Snipper) {
	fmt.Printf("file:    %s\n", s.Filename())
	fmt.Printf("size:    %d bytes\n", s.Size())
	fmt.Printf("iframes: %d\n", s.IFrameCount())
	if sha1, ok := s.SHA1(); ok {
		fmt.Printf("sha1:    %s\n", sha1)
	}
	if pid, ok := s.VideoPID(); ok {
		fmt.Printf("video pid: %#04x\n", pid)
	}
}
