package filestore

import (
	"bytes"
	"strconv"

	"github.com/denismitr/twinstore"
)

const (
	setCommand = "set"
	delCommand = "del"
)

type commandCode int8

const (
	invalidCode commandCode = iota
	setCode
	delCode
)

// position locates a document blob inside the log file.
type position struct {
	offset uint64
	size   uint64
}

// respSerializer frames commands the way Redis frames requests: an array
// header, the command name as a simple string, then bulk strings. base is the
// file offset the buffer will be written at.
type respSerializer struct {
	buf  bytes.Buffer
	base int64
}

func (rs *respSerializer) serializeSet(p twinstore.Path, blob []byte) position {
	writeRespArray(3, &rs.buf)
	writeRespSimpleString(setCommand, &rs.buf)
	writeRespBulk([]byte(p), &rs.buf)

	start := rs.base + int64(rs.buf.Len())
	offset := start + int64(writeRespBulk(blob, &rs.buf))

	return position{offset: uint64(offset), size: uint64(len(blob))}
}

func (rs *respSerializer) serializeDel(p twinstore.Path) {
	writeRespArray(2, &rs.buf)
	writeRespSimpleString(delCommand, &rs.buf)
	writeRespBulk([]byte(p), &rs.buf)
}

func (rs *respSerializer) len() int {
	return rs.buf.Len()
}

func writeRespArray(segments int, buf *bytes.Buffer) {
	buf.WriteByte('*')
	buf.WriteString(strconv.Itoa(segments))
	buf.WriteString("\r\n")
}

func writeRespSimpleString(s string, buf *bytes.Buffer) {
	buf.WriteByte('+')
	buf.WriteString(s)
	buf.WriteString("\r\n")
}

// writeRespBulk writes a length-prefixed bulk string and returns the length
// of its header line.
func writeRespBulk(b []byte, buf *bytes.Buffer) int {
	l := strconv.Itoa(len(b))
	buf.WriteByte('$')
	buf.WriteString(l)
	buf.WriteString("\r\n")
	buf.Write(b)
	buf.WriteString("\r\n")

	return 1 + len(l) + 2
}
