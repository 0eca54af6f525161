package filestore

import (
	"bufio"
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/denismitr/twinstore"
)

// command is one decoded log record. blob is nil for del.
type command struct {
	code commandCode
	path twinstore.Path
	blob []byte
	pos  position
}

type respParser struct {
	totalSize      int
	currentCmdSize int
	totalCommands  int
	currentLine    int
}

// parse feeds every complete command in r to cb and returns the number of
// bytes they span. A command cut short by the end of the file yields
// io.ErrUnexpectedEOF together with the size of the intact prefix.
func (p *respParser) parse(r *bufio.Reader, cb func(cmd *command) error) (int, error) {
	for {
		p.currentCmdSize = 0

		if _, err := r.Peek(1); err != nil {
			if err == io.EOF {
				return p.totalSize, nil
			}

			return p.totalSize, errors.Wrap(ErrLogReadFailed, err.Error())
		}

		segments, err := p.resolveRespArray(r)
		if err != nil {
			return p.totalSize, err
		}

		code, err := p.resolveRespCommandCode(r)
		if err != nil {
			return p.totalSize, err
		}

		var cmd *command
		switch code {
		case setCode:
			cmd, err = p.parseSetCommand(r, segments)
		case delCode:
			cmd, err = p.parseDelCommand(r, segments)
		}

		if err != nil {
			return p.totalSize, err
		}

		if err := cb(cmd); err != nil {
			return p.totalSize, err
		}

		p.totalCommands++
		p.totalSize += p.currentCmdSize
	}
}

// parseSetCommand - parses `set` command from serialization protocol
func (p *respParser) parseSetCommand(r *bufio.Reader, segments int) (*command, error) {
	if segments != 3 {
		return nil, errors.Wrapf(ErrLogCorrupt, "line #%d - set expects 3 segments, got %d", p.currentLine, segments)
	}

	key, _, err := p.resolveRespBulk(r)
	if err != nil {
		return nil, err
	}

	path, err := twinstore.ParsePath(string(key))
	if err != nil {
		return nil, errors.Wrapf(ErrLogCorrupt, "line #%d - %s", p.currentLine, err.Error())
	}

	blob, offset, err := p.resolveRespBulk(r)
	if err != nil {
		return nil, err
	}

	return &command{
		code: setCode,
		path: path,
		blob: blob,
		pos:  position{offset: uint64(offset), size: uint64(len(blob))},
	}, nil
}

// parseDelCommand - parses delete document command from serialization protocol
func (p *respParser) parseDelCommand(r *bufio.Reader, segments int) (*command, error) {
	if segments != 2 {
		return nil, errors.Wrapf(ErrLogCorrupt, "line #%d - del expects 2 segments, got %d", p.currentLine, segments)
	}

	key, _, err := p.resolveRespBulk(r)
	if err != nil {
		return nil, err
	}

	path, err := twinstore.ParsePath(string(key))
	if err != nil {
		return nil, errors.Wrapf(ErrLogCorrupt, "line #%d - %s", p.currentLine, err.Error())
	}

	return &command{code: delCode, path: path}, nil
}

func (p *respParser) resolveRespArray(r *bufio.Reader) (int, error) {
	line, err := p.readLine(r)
	if err != nil {
		return 0, err
	}

	if len(line) < 2 || line[0] != '*' {
		return 0, errors.Wrapf(ErrLogCorrupt, "line #%d - %q should start with *", p.currentLine, line)
	}

	n, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return 0, errors.Wrapf(ErrLogCorrupt, "could not parse command size at line #%d %v", p.currentLine, err)
	}

	return n, nil
}

func (p *respParser) resolveRespCommandCode(r *bufio.Reader) (commandCode, error) {
	line, err := p.readLine(r)
	if err != nil {
		return invalidCode, err
	}

	if len(line) < 2 || line[0] != '+' {
		return invalidCode, errors.Wrapf(ErrLogCorrupt, "at line #%d, any command should start with + symbol", p.currentLine)
	}

	switch string(line[1:]) {
	case setCommand:
		return setCode, nil
	case delCommand:
		return delCode, nil
	}

	return invalidCode, errors.Wrapf(ErrLogCorrupt, "at line #%d command [%s] is unknown", p.currentLine, line[1:])
}

// resolveRespBulk reads a bulk string and returns it with its file offset.
func (p *respParser) resolveRespBulk(r *bufio.Reader) ([]byte, int, error) {
	header, err := p.readLine(r)
	if err != nil {
		return nil, 0, err
	}

	if len(header) < 2 || header[0] != '$' {
		return nil, 0, errors.Wrapf(ErrLogCorrupt, "line #%d - %q does not contain valid length", p.currentLine, header)
	}

	size, err := strconv.Atoi(string(header[1:]))
	if err != nil || size < 0 {
		return nil, 0, errors.Wrapf(ErrLogCorrupt, "line #%d - %q has invalid length", p.currentLine, header)
	}

	offset := p.totalSize + p.currentCmdSize

	blob := make([]byte, size+2)
	n, err := io.ReadFull(r, blob)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.ErrUnexpectedEOF
		}

		return nil, 0, errors.Wrap(ErrLogReadFailed, err.Error())
	}

	p.currentLine++
	p.currentCmdSize += n

	if blob[size] != '\r' || blob[size+1] != '\n' {
		return nil, 0, errors.Wrapf(ErrLogCorrupt, "line #%d - bulk of %d bytes is not terminated", p.currentLine, size)
	}

	return blob[:size], offset, nil
}

// readLine returns one CRLF terminated line without the terminator.
func (p *respParser) readLine(r *bufio.Reader) ([]byte, error) {
	p.currentLine++

	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}

		return nil, errors.Wrapf(ErrLogReadFailed, "line #%d: %s", p.currentLine, err.Error())
	}

	p.currentCmdSize += len(line)

	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return nil, errors.Wrapf(ErrLogCorrupt, "line #%d - %q is not CRLF terminated", p.currentLine, line)
	}

	return line[:len(line)-2], nil
}
