package resources

import (
	"fmt"
	"strconv"
	"sync"

	"repair-bench/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

// RDTClasses moves run processes into pre-configured resctrl classes.
type RDTClasses interface {
	Assign(pid int, className string) error
}

// goresctrl's rdt control is not safe for concurrent use.
// Serialize all interactions with github.com/intel/goresctrl/pkg/rdt across the process.
var rdtMu sync.Mutex

type resctrlClasses struct {
	initOnce sync.Once
	initErr  error
}

// NewRDTClasses returns the process-wide resctrl assigner. resctrl is
// initialized on first use.
func NewRDTClasses() RDTClasses {
	return &resctrlClasses{}
}

func (r *resctrlClasses) Assign(pid int, className string) error {
	logger := logging.GetLogger()

	rdtMu.Lock()
	defer rdtMu.Unlock()

	r.initOnce.Do(func() {
		r.initErr = rdt.Initialize("")
	})
	if r.initErr != nil {
		logger.WithError(r.initErr).Warn("RDT not available")
		return fmt.Errorf("rdt not available: %w", r.initErr)
	}

	class, exists := rdt.GetClass(className)
	if !exists {
		return fmt.Errorf("rdt class %s does not exist", className)
	}
	if err := class.AddPids(strconv.Itoa(pid)); err != nil {
		logger.WithFields(logrus.Fields{
			"pid":        pid,
			"class_name": className,
		}).WithError(err).Error("Failed to add PID to RDT class")
		return err
	}

	logger.WithFields(logrus.Fields{
		"pid":        pid,
		"class_name": className,
	}).Debug("Assigned PID to RDT class")
	return nil
}
