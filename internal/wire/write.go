package wire

import (
	"bufio"
	"net/http"
	"strconv"

	"zotero-wsl-proxy/internal/model"
)

// WriteRequestHead writes the request line and header block of req.
func WriteRequestHead(w *bufio.Writer, req *model.Request) error {
	_, _ = w.WriteString(req.Method)
	_ = w.WriteByte(' ')
	_, _ = w.WriteString(req.Target)
	_ = w.WriteByte(' ')
	_, _ = w.WriteString(req.Proto)
	_, _ = w.WriteString("\r\n")
	return writeHeader(w, req.Header)
}

// WriteResponseHead writes an HTTP/1.1 status line followed by the header
// block of resp, entries in their original order.
func WriteResponseHead(w *bufio.Writer, resp *model.Response) error {
	_, _ = w.WriteString("HTTP/1.1 ")
	_, _ = w.WriteString(strconv.Itoa(resp.StatusCode))
	_ = w.WriteByte(' ')
	_, _ = w.WriteString(resp.Reason)
	_, _ = w.WriteString("\r\n")
	return writeHeader(w, resp.Header)
}

// WriteStatus writes a body-less response generated by the proxy itself.
// When closing is set the response announces that the connection ends.
func WriteStatus(w *bufio.Writer, code int, closing bool) error {
	h := model.Header{{Name: "Content-Length", Value: "0"}}
	if closing {
		h = append(h, model.HeaderField{Name: "Connection", Value: "close"})
	}
	return WriteResponseHead(w, &model.Response{
		StatusCode: code,
		Reason:     http.StatusText(code),
		Header:     h,
	})
}

// WriteContinue writes an interim 100 Continue response.
func WriteContinue(w *bufio.Writer) error {
	_, _ = w.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
	return w.Flush()
}

func writeHeader(w *bufio.Writer, h model.Header) error {
	for _, f := range h {
		_, _ = w.WriteString(f.Name)
		_, _ = w.WriteString(": ")
		_, _ = w.WriteString(f.Value)
		_, _ = w.WriteString("\r\n")
	}
	_, err := w.WriteString("\r\n")
	return err
}
