package usage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// readNvidiaCSV parses nvidia-smi --format=csv,noheader,nounits output.
func readNvidiaCSV(out string, fields int) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = fields

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse nvidia-smi output: %w", err)
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
}

func parseComputeApps(out string) ([]AcceleratorProcess, error) {
	rows, err := readNvidiaCSV(out, 2)
	if err != nil {
		return nil, err
	}
	procs := make([]AcceleratorProcess, 0, len(rows))
	for _, row := range rows {
		pid, err := strconv.ParseInt(row[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse pid %q: %w", row[0], err)
		}
		memMB, err := parseMiB(row[1])
		if err != nil {
			return nil, err
		}
		procs = append(procs, AcceleratorProcess{PID: int32(pid), MemoryMB: memMB})
	}
	return procs, nil
}

func parseGPUInventory(out string) ([]AcceleratorDevice, error) {
	rows, err := readNvidiaCSV(out, 3)
	if err != nil {
		return nil, err
	}
	devices := make([]AcceleratorDevice, 0, len(rows))
	for _, row := range rows {
		total, err := parseMiB(row[1])
		if err != nil {
			return nil, err
		}
		used, err := parseMiB(row[2])
		if err != nil {
			return nil, err
		}
		devices = append(devices, AcceleratorDevice{Name: row[0], TotalMB: total, UsedMB: used})
	}
	return devices, nil
}

// parseMiB accepts "512" and, for drivers that ignore nounits, "512 MiB".
func parseMiB(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "MiB"))
	if s == "[N/A]" || s == "N/A" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	return v, nil
}
