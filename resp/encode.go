package resp

import (
	"io"
	"strconv"
)

// Encode writes args as a RESP array of bulk strings:
//
//	*N\r\n$L1\r\nARG1\r\n...$LN\r\nARGN\r\n
//
// Each element is written verbatim as bytes; callers render numeric
// or boolean arguments to their decimal/"1"/"0" form before calling
// Encode — the codec never interprets argument content.
func Encode(w io.Writer, args [][]byte) error {
	buf := make([]byte, 0, 64)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	if _, err := w.Write(buf); err != nil {
		return err
	}
	for _, arg := range args {
		buf = buf[:0]
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		if _, err := w.Write(buf); err != nil {
			return err
		}
		if _, err := w.Write(arg); err != nil {
			return err
		}
		if _, err := w.Write(crlf); err != nil {
			return err
		}
	}
	return nil
}

// EncodeMulti writes one or more command frames back to back in a
// single logical write, used by pipelines to avoid interleaving with
// other traffic on the same connection.
func EncodeMulti(w io.Writer, commands [][][]byte) error {
	for _, cmd := range commands {
		if err := Encode(w, cmd); err != nil {
			return err
		}
	}
	return nil
}

var crlf = []byte{'\r', '\n'}
