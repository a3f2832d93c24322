// Package server wires the index, resolver, and inference engine into
// an LSP server over glsp.
package server

import (
	"os"
	"strings"
	"sync"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/config"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/parser"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/persist"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rbs"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
)

// Name and Version identify the server in initialize responses.
const (
	Name    = "ruby-fast-lsp"
	Version = "0.1.0"
)

// fileState is everything the server keeps per workspace file. Open
// documents track client edits; closed files mirror disk.
type fileState struct {
	doc   *doc.Document
	res   *parser.Result
	table *scope.LocalTable
	open  bool
}

// Server holds the workspace state shared by all handlers. The index
// has its own lock; the files map has this one.
type Server struct {
	root    string
	cfg     *config.Config
	index   *index.Index
	cache   *parser.Cache
	catalog *rbs.Catalog
	snap    *persist.Store // nil unless persist_index is on

	mu    sync.RWMutex
	files map[string]*fileState

	utf16      bool
	inferStats InferStats
}

// InferStats is the last inference run, exposed on the debug surface.
type InferStats struct {
	Methods  int `json:"methods"`
	Inferred int `json:"inferred"`
	Passes   int `json:"passes"`
}

// New builds an empty server. Workspace state arrives with initialize.
func New() *Server {
	return &Server{
		index: index.New(),
		cache: parser.NewCache(),
		files: make(map[string]*fileState),
	}
}

// DocResult hands the inference engine parsed documents by URI.
func (s *Server) DocResult(uri string) (*parser.Result, *scope.LocalTable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.files[uri]
	if !ok || st.res == nil {
		return nil, nil, false
	}
	return st.res, st.table, true
}

func (s *Server) file(uri string) *fileState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files[uri]
}

func (s *Server) setFile(uri string, st *fileState) {
	s.mu.Lock()
	s.files[uri] = st
	s.mu.Unlock()
}

func (s *Server) dropFile(uri string) {
	s.mu.Lock()
	delete(s.files, uri)
	s.mu.Unlock()
	s.cache.Drop(uri)
}

// ensureFile returns the state for uri, reading it from disk if the
// server has not seen it yet. Used when a definition target lives in a
// file the client never opened.
func (s *Server) ensureFile(uri string) *fileState {
	if st := s.file(uri); st != nil {
		return st
	}
	path := uriToPath(uri)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	res, err := s.cache.Parse(uri, content)
	if err != nil {
		return nil
	}
	st := &fileState{doc: doc.New(uri, content, 0), res: res, table: scope.NewLocalTable()}
	s.setFile(uri, st)
	return st
}

// uriToPath strips the file scheme. Ruby workspaces are local.
func uriToPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func pathToURI(path string) string {
	return "file://" + path
}

// offsetToPos converts a byte offset using the negotiated encoding.
func (s *Server) offsetToPos(d *doc.Document, offset int) protocol.Position {
	var p doc.Position
	if s.utf16 {
		p = d.OffsetToPositionUTF16(offset)
	} else {
		p = d.OffsetToPosition(offset)
	}
	return protocol.Position{Line: protocol.UInteger(p.Line), Character: protocol.UInteger(p.Character)}
}

// posToOffset converts a protocol position to a byte offset.
func (s *Server) posToOffset(d *doc.Document, p protocol.Position) int {
	dp := doc.Position{Line: int(p.Line), Character: int(p.Character)}
	if s.utf16 {
		return d.PositionToOffsetUTF16(dp)
	}
	return d.PositionToOffset(dp)
}

func (s *Server) byteRangeToProtocol(d *doc.Document, br doc.ByteRange) protocol.Range {
	return protocol.Range{
		Start: s.offsetToPos(d, br.Start),
		End:   s.offsetToPos(d, br.End),
	}
}

// locationToProtocol maps an index location into protocol space,
// loading the target file when needed.
func (s *Server) locationToProtocol(loc index.Location) (protocol.Location, bool) {
	st := s.ensureFile(loc.URI)
	if st == nil {
		return protocol.Location{}, false
	}
	return protocol.Location{
		URI:   loc.URI,
		Range: s.byteRangeToProtocol(st.doc, loc.Range),
	}, true
}

func (s *Server) locationsToProtocol(locs []index.Location) []protocol.Location {
	out := make([]protocol.Location, 0, len(locs))
	for _, loc := range locs {
		if pl, ok := s.locationToProtocol(loc); ok {
			out = append(out, pl)
		}
	}
	return out
}
