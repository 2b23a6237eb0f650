package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"docqueue/model"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// maxCommandOutput caps how much tool output is kept in an error message.
const maxCommandOutput = 512

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LibreOffice converts documents with a headless soffice. direct_markdown
// exports HTML and rewrites it as Markdown; via_pdf exports PDF and extracts
// its text with pdftotext, one section per page.
type LibreOffice struct {
	SofficePath   string
	PdfToTextPath string
	WorkDir       string

	run Runner
}

func NewLibreOffice(sofficePath, pdfToTextPath, workDir string) *LibreOffice {
	if sofficePath == "" {
		sofficePath = "soffice"
	}
	if pdfToTextPath == "" {
		pdfToTextPath = "pdftotext"
	}
	return &LibreOffice{
		SofficePath:   sofficePath,
		PdfToTextPath: pdfToTextPath,
		WorkDir:       workDir,
		run:           execRunner,
	}
}

func (l *LibreOffice) Convert(ctx context.Context, req Request) (*Output, error) {
	if len(req.Input) == 0 {
		return nil, Invalid(errors.New("empty document"))
	}
	if !req.Mode.Valid() {
		return nil, Invalid(fmt.Errorf("unsupported mode %q", req.Mode))
	}

	dir, err := os.MkdirTemp(l.WorkDir, "docq-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	name := safeName(req.Filename)
	src := filepath.Join(dir, name)
	if err := os.WriteFile(src, req.Input, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}

	var md []byte
	switch req.Mode {
	case model.ModeDirectMarkdown:
		md, err = l.direct(ctx, dir, src)
	case model.ModeViaPDF:
		md, err = l.viaPDF(ctx, dir, src)
	}
	if err != nil {
		return nil, err
	}
	return &Output{Markdown: md}, nil
}

func (l *LibreOffice) direct(ctx context.Context, dir, src string) ([]byte, error) {
	html, err := l.soffice(ctx, dir, src, "html")
	if err != nil {
		return nil, err
	}
	md, err := htmltomarkdown.ConvertString(string(html))
	if err != nil {
		return nil, fmt.Errorf("failed to convert html to markdown: %w", err)
	}
	return []byte(md), nil
}

func (l *LibreOffice) viaPDF(ctx context.Context, dir, src string) ([]byte, error) {
	pdf := src
	if !strings.EqualFold(filepath.Ext(src), ".pdf") {
		if _, err := l.soffice(ctx, dir, src, "pdf"); err != nil {
			return nil, err
		}
		pdf = withExt(src, ".pdf")
	}

	txt := filepath.Join(dir, "out.txt")
	out, err := l.run(ctx, l.PdfToTextPath, "-layout", "-enc", "UTF-8", pdf, txt)
	if err != nil {
		return nil, commandError(ctx, "pdftotext", out, err)
	}
	text, err := os.ReadFile(txt)
	if err != nil {
		return nil, fmt.Errorf("pdftotext produced no output: %w", err)
	}
	return pagesToMarkdown(text), nil
}

// soffice converts src into format inside dir and returns the produced file.
func (l *LibreOffice) soffice(ctx context.Context, dir, src, format string) ([]byte, error) {
	out, err := l.run(ctx, l.SofficePath,
		"--headless", "--norestore",
		"-env:UserInstallation=file://"+filepath.Join(dir, "profile"),
		"--convert-to", format,
		"--outdir", dir,
		src,
	)
	if err != nil {
		return nil, commandError(ctx, "soffice", out, err)
	}

	// soffice exits 0 when it cannot load the document; the missing output
	// file is the only signal.
	data, err := os.ReadFile(withExt(src, "."+format))
	if err != nil {
		return nil, fmt.Errorf("soffice produced no %s output: %s", format, strings.TrimSpace(string(out)))
	}
	return data, nil
}

func commandError(ctx context.Context, name string, out []byte, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	}
	msg := strings.TrimSpace(string(out))
	if len(msg) > maxCommandOutput {
		msg = strings.ToValidUTF8(msg[:maxCommandOutput], "")
	}
	if msg == "" {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return fmt.Errorf("%s failed: %w: %s", name, err, msg)
}

func pagesToMarkdown(text []byte) []byte {
	pages := bytes.Split(text, []byte("\f"))
	var buf bytes.Buffer
	for _, page := range pages {
		page = bytes.TrimSpace(page)
		if len(page) == 0 {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n---\n\n")
		}
		buf.Write(page)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// safeName keeps the final path element of an uploaded filename. Names that
// do not denote a file fall back to "document".
func safeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch name {
	case ".", "..", "/", "":
		return "document"
	}
	return name
}

func withExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
