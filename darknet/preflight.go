package darknet

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"
)

// CheckConfigFile reports whether the runtime will accept path as a network
// description without aborting: the file must be readable, start with a
// section, and that section must be [net] or [network].
func CheckConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &PreflightError{Path: path, Message: "cannot open config", Cause: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.Join(strings.Fields(scanner.Text()), "")
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if line[0] != '[' {
			return &PreflightError{Path: path, Message: "option outside of any section"}
		}
		switch line {
		case "[net]", "[network]":
			return nil
		default:
			return &PreflightError{Path: path, Message: "first section must be [net] or [network], got " + line}
		}
	}
	if err := scanner.Err(); err != nil {
		return &PreflightError{Path: path, Message: "cannot read config", Cause: err}
	}
	return &PreflightError{Path: path, Message: "config has no sections"}
}

// CheckWeightsFile reports whether path holds a complete weights header:
// the version triple followed by the images-seen counter, which is 64-bit
// from version 0.2 on.
func CheckWeightsFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &PreflightError{Path: path, Message: "cannot open weights", Cause: err}
	}
	defer f.Close()

	var version [3]int32
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return &PreflightError{Path: path, Message: "truncated weights header", Cause: err}
	}
	major, minor := version[0], version[1]

	seenLen := int64(4)
	if major*10+minor >= 2 && major < 1000 && minor < 1000 {
		seenLen = 8
	}
	n, err := io.CopyN(io.Discard, f, seenLen)
	if err != nil || n != seenLen {
		return &PreflightError{Path: path, Message: "truncated weights header", Cause: err}
	}
	return nil
}
