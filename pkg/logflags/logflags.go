package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var loader = false
var lifter = false
var cfgbuild = false
var smt = false
var solver = false
var gadget = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Loader returns true if binary image loading should log.
func Loader() bool {
	return loader
}

// LoaderLogger returns a logger for binary image loading.
func LoaderLogger() *logrus.Entry {
	return makeLogger(loader, logrus.Fields{"layer": "loader"})
}

// Lifter returns true if the instruction lifter should log.
func Lifter() bool {
	return lifter
}

// LifterLogger returns a logger for the instruction lifter.
func LifterLogger() *logrus.Entry {
	return makeLogger(lifter, logrus.Fields{"layer": "lift"})
}

// CFGBuild returns true if control-flow reconstruction should log.
func CFGBuild() bool {
	return cfgbuild
}

// CFGBuildLogger returns a logger for control-flow reconstruction.
func CFGBuildLogger() *logrus.Entry {
	return makeLogger(cfgbuild, logrus.Fields{"layer": "cfg"})
}

// SMT returns true if the formula translator should log.
func SMT() bool {
	return smt
}

// SMTLogger returns a logger for the formula translator.
func SMTLogger() *logrus.Entry {
	return makeLogger(smt, logrus.Fields{"layer": "smt"})
}

// Solver returns true if every script sent to the solver and every
// verdict read back should be logged.
func Solver() bool {
	return solver
}

// SolverLogger returns a logger for the solver wire exchange.
func SolverLogger() *logrus.Entry {
	return makeLogger(solver, logrus.Fields{"layer": "smt", "kind": "solver"})
}

// Gadget returns true if the gadget pipeline should log.
func Gadget() bool {
	return gadget
}

// GadgetLogger returns a logger for the gadget pipeline.
func GadgetLogger() *logrus.Entry {
	return makeLogger(gadget, logrus.Fields{"layer": "gadget"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "gadget"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "loader":
			loader = true
		case "lift":
			lifter = true
		case "cfg":
			cfgbuild = true
		case "smt":
			smt = true
		case "solver":
			solver = true
		case "gadget":
			gadget = true
		}
	}
	return nil
}
