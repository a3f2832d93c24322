package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/config"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/doc"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/index"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/infer"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/persist"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rbs"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scan"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scope"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/watcher"
)

// Protocol returns the glsp handler table for the server.
func (s *Server) Protocol() *protocol.Handler {
	h := &protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.didOpen,
		TextDocumentDidChange: s.didChange,
		TextDocumentDidSave:   s.didSave,
		TextDocumentDidClose:  s.didClose,

		WorkspaceDidChangeWatchedFiles: s.didChangeWatchedFiles,
		WorkspaceSymbol:                s.workspaceSymbol,

		TextDocumentHover:              s.hover,
		TextDocumentCompletion:         s.completion,
		TextDocumentDefinition:         s.definition,
		TextDocumentReferences:         s.references,
		TextDocumentDocumentSymbol:     s.documentSymbol,
		TextDocumentFoldingRange:       s.foldingRange,
		TextDocumentSemanticTokensFull:  s.semanticTokensFull,
		TextDocumentSemanticTokensRange: s.semanticTokensRange,
		TextDocumentCodeLens:            s.codeLens,
	}
	return h
}

func (s *Server) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	root := ""
	if params.RootURI != nil {
		root = uriToPath(string(*params.RootURI))
	} else if len(params.WorkspaceFolders) > 0 {
		root = uriToPath(params.WorkspaceFolders[0].URI)
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("no workspace root: %w", err)
		}
		root = wd
	}
	s.root = root
	s.cfg = config.Load(root)
	s.utf16 = wantsUTF16(params.InitializationOptions)

	oracle, err := rbs.Load(s.cfg.EffectiveRBSGemCap())
	if err != nil {
		slog.Warn("init.rbs", "err", err)
	} else {
		s.catalog = oracle.Catalog(oracle.FindClosestVersion(s.cfg.RubyVersion))
	}

	if s.cfg.EffectivePersistIndex() {
		snap, err := persist.Open(root)
		if err != nil {
			slog.Warn("init.persist", "err", err)
		} else {
			s.snap = snap
		}
	}

	slog.Info("init.workspace", "root", root, "rubyVersion", s.cfg.RubyVersion, "utf16", s.utf16)

	capabilities := s.Protocol().CreateServerCapabilities()
	syncKind := protocol.TextDocumentSyncKindIncremental
	capabilities.TextDocumentSync = protocol.TextDocumentSyncOptions{
		OpenClose: &protocol.True,
		Change:    &syncKind,
		Save:      true,
	}
	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{".", ":", "@"},
	}
	capabilities.SemanticTokensProvider = protocol.SemanticTokensOptions{
		Legend: protocol.SemanticTokensLegend{
			TokenTypes:     tokenTypes,
			TokenModifiers: tokenModifiers,
		},
		Range: true,
		Full:  true,
	}

	version := Version
	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    Name,
			Version: &version,
		},
	}, nil
}

// wantsUTF16 reads the position encoding request forwarded through
// initializationOptions. Positions default to Unicode scalar values.
func wantsUTF16(opts any) bool {
	m, ok := opts.(map[string]any)
	if !ok {
		return false
	}
	encs, ok := m["positionEncodings"].([]any)
	if !ok {
		return false
	}
	for _, e := range encs {
		if e == "utf-16" {
			return true
		}
	}
	return false
}

func (s *Server) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	notify := ctx.Notify
	go s.initialScan(context.Background(), notify)
	return nil
}

func (s *Server) shutdown(ctx *glsp.Context) error {
	if s.snap != nil {
		s.saveSnapshot()
		s.snap.Close()
	}
	protocol.SetTraceValue(protocol.TraceValueOff)
	return nil
}

func (s *Server) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	protocol.SetTraceValue(params.Value)
	return nil
}

// initialScan indexes the whole workspace: a parallel parse phase, a
// definitions pass over every file, then a references pass once all
// namespaces are known, then return-type inference.
func (s *Server) initialScan(ctx context.Context, notify glsp.NotifyFunc) {
	files, err := scan.Discover(ctx, s.root, scan.Options{
		IgnorePatterns: s.cfg.IgnorePatterns,
		UseGitignore:   s.cfg.EffectiveUseGitignore(),
	})
	if err != nil {
		slog.Warn("scan.discover", "err", err)
		return
	}

	s.staleFromSnapshot(files)

	err = scan.Each(ctx, files, s.cfg.EffectiveScanWorkers(), func(ctx context.Context, f scan.FileInfo) error {
		uri := f.URI()
		content, err := os.ReadFile(f.Path)
		if err != nil {
			slog.Debug("scan.unreadable", "path", f.Path, "err", err)
			return nil
		}
		res, err := s.cache.Parse(uri, content)
		if err != nil {
			slog.Debug("scan.parse_failed", "path", f.Path, "err", err)
			return nil
		}
		s.setFile(uri, &fileState{doc: doc.New(uri, content, 0), res: res, table: scope.NewLocalTable()})
		return nil
	})
	if err != nil {
		slog.Warn("scan.parse_phase", "err", err)
		return
	}

	l := s.index.Lock()
	for _, f := range files {
		uri := f.URI()
		st := s.file(uri)
		if st == nil {
			continue
		}
		index.ProcessFile(l, uri, st.res, scope.NewLocalTable(), index.DefinitionsOnly)
	}
	l.RetryPending()
	slog.Info("pass.definitions", "files", len(files))

	for _, f := range files {
		uri := f.URI()
		st := s.file(uri)
		if st == nil {
			continue
		}
		index.ProcessFile(l, uri, st.res, st.table, index.ReferencesOnly)
	}
	slog.Info("pass.references", "files", len(files))

	eng := infer.NewEngine(l, s, s.catalog)
	st := eng.InferAll()
	s.mu.Lock()
	s.inferStats = InferStats{Methods: st.Methods, Inferred: st.Inferred, Passes: st.Passes}
	s.mu.Unlock()
	l.Unlock()

	if notify != nil && s.cfg.EffectiveDiagnostics() {
		for _, f := range files {
			s.publishDiagnostics(notify, f.URI())
		}
	}

	go s.watchWorkspace(ctx, notify)
}

// staleFromSnapshot compares discovered files against the persisted
// snapshot and drops rows whose content changed since the last session.
// The snapshot never substitutes for indexing; trimming it here keeps
// its symbol rows trustworthy until the fresh index replaces them.
func (s *Server) staleFromSnapshot(files []scan.FileInfo) {
	if s.snap == nil {
		return
	}
	stored, err := s.snap.Files()
	if err != nil {
		slog.Warn("persist.load", "err", err)
		return
	}
	stale := 0
	for _, f := range files {
		content, err := os.ReadFile(f.Path)
		if err != nil {
			continue
		}
		uri := f.URI()
		if h, ok := stored[uri]; ok && h != persist.HashContent(content) {
			stale++
			if err := s.snap.DeleteFile(uri); err != nil {
				slog.Debug("persist.delete", "uri", uri, "err", err)
			}
		}
	}
	slog.Debug("persist.verified", "stored", len(stored), "stale", stale)
}

// saveSnapshot writes every indexed definition to the warm store.
func (s *Server) saveSnapshot() {
	l := s.index.Lock()
	defer l.Unlock()

	perFile := make(map[string][]persist.SymbolRecord)
	l.EachDefinition(func(e *index.Entry) bool {
		uri := l.URIOf(e.File)
		perFile[uri] = append(perFile[uri], persist.SymbolRecord{
			URI:       uri,
			FQN:       l.FQNString(e.FQN),
			Kind:      int(e.Kind),
			StartByte: uint32(e.Range.Start),
			EndByte:   uint32(e.Range.End),
			NameStart: uint32(e.NameRange.Start),
			NameEnd:   uint32(e.NameRange.End),
		})
		return true
	})

	for uri, syms := range perFile {
		st := s.file(uri)
		if st == nil {
			continue
		}
		rec := persist.FileRecord{URI: uri, Hash: persist.HashContent(st.doc.Content)}
		if err := s.snap.SaveFile(rec, syms); err != nil {
			slog.Warn("persist.save", "uri", uri, "err", err)
			return
		}
	}
	slog.Info("persist.saved", "files", len(perFile))
}

// watchWorkspace follows filesystem changes for files edited outside
// the client. Events for open documents are ignored; the client owns
// those.
func (s *Server) watchWorkspace(ctx context.Context, notify glsp.NotifyFunc) {
	w, err := watcher.New(s.root, func(ctx context.Context, events []watcher.Event) error {
		for _, ev := range events {
			uri := pathToURI(ev.Path)
			if st := s.file(uri); st != nil && st.open {
				continue
			}
			switch ev.Op {
			case watcher.OpDeleted:
				s.removeFile(notify, uri)
			default:
				content, err := os.ReadFile(ev.Path)
				if err != nil {
					continue
				}
				s.reindex(notify, uri, content, 0, false)
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("watcher.start", "err", err)
		return
	}
	w.Run(ctx)
}

func (s *Server) didOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	s.reindex(ctx.Notify, uri, []byte(params.TextDocument.Text), params.TextDocument.Version, true)
	return nil
}

func (s *Server) didChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI
	st := s.file(uri)
	if st == nil {
		return nil
	}

	d := st.doc
	for _, change := range params.ContentChanges {
		switch c := change.(type) {
		case protocol.TextDocumentContentChangeEvent:
			if c.Range != nil {
				r := s.docRange(d, *c.Range)
				d.ApplyEdit(&r, c.Text)
			} else {
				d.ApplyEdit(nil, c.Text)
			}
		case protocol.TextDocumentContentChangeEventWhole:
			d.ApplyEdit(nil, c.Text)
		}
	}
	s.reindex(ctx.Notify, uri, d.Content, params.TextDocument.Version, true)
	return nil
}

func (s *Server) docRange(d *doc.Document, r protocol.Range) doc.Range {
	br := doc.ByteRange{
		Start: s.posToOffset(d, r.Start),
		End:   s.posToOffset(d, r.End),
	}
	return d.ByteRangeToRange(br)
}

func (s *Server) didSave(ctx *glsp.Context, params *protocol.DidSaveTextDocumentParams) error {
	uri := params.TextDocument.URI
	if params.Text != nil {
		s.reindex(ctx.Notify, uri, []byte(*params.Text), 0, true)
	}
	return nil
}

func (s *Server) didClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI
	s.mu.Lock()
	if st, ok := s.files[uri]; ok {
		st.open = false
	}
	s.mu.Unlock()

	// Re-sync with disk in case the buffer was abandoned unsaved.
	if content, err := os.ReadFile(uriToPath(uri)); err == nil {
		s.reindex(ctx.Notify, uri, content, 0, false)
	} else {
		s.removeFile(ctx.Notify, uri)
	}
	return nil
}

func (s *Server) didChangeWatchedFiles(ctx *glsp.Context, params *protocol.DidChangeWatchedFilesParams) error {
	for _, change := range params.Changes {
		uri := change.URI
		if st := s.file(uri); st != nil && st.open {
			continue
		}
		switch change.Type {
		case protocol.FileChangeTypeDeleted:
			s.removeFile(ctx.Notify, uri)
		default:
			content, err := os.ReadFile(uriToPath(uri))
			if err != nil {
				continue
			}
			s.reindex(ctx.Notify, uri, content, 0, false)
		}
	}
	return nil
}

// reindex replaces one file's contribution to the index: drop its old
// entries and edges, run both passes, retry pending mixins, and re-run
// inference for anything the change unset.
func (s *Server) reindex(notify glsp.NotifyFunc, uri string, content []byte, version int32, open bool) {
	res, err := s.cache.Parse(uri, content)
	if err != nil {
		slog.Warn("index.parse", "uri", uri, "err", err)
		return
	}
	table := scope.NewLocalTable()
	st := &fileState{doc: doc.New(uri, content, version), res: res, table: table, open: open}
	s.setFile(uri, st)

	l := s.index.Lock()
	if fid, ok := l.LookupFile(uri); ok {
		l.RemoveByFile(fid)
	}
	index.ProcessFile(l, uri, res, table, index.AllPasses)
	l.RetryPending()
	infer.EvictFlows(uri)
	infer.NewEngine(l, s, s.catalog).InferAll()
	l.Unlock()

	slog.Debug("index.file", "uri", uri, "version", version)
	if notify != nil && s.cfg != nil && s.cfg.EffectiveDiagnostics() {
		s.publishDiagnostics(notify, uri)
	}
}

// removeFile drops a deleted file from every structure and clears its
// diagnostics.
func (s *Server) removeFile(notify glsp.NotifyFunc, uri string) {
	l := s.index.Lock()
	if fid, ok := l.LookupFile(uri); ok {
		l.RemoveByFile(fid)
	}
	l.Unlock()
	s.dropFile(uri)
	infer.EvictFlows(uri)
	if s.snap != nil {
		if err := s.snap.DeleteFile(uri); err != nil {
			slog.Debug("persist.delete", "uri", uri, "err", err)
		}
	}
	slog.Debug("index.remove_file", "uri", uri)
	if notify != nil {
		notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
			URI:         uri,
			Diagnostics: []protocol.Diagnostic{},
		})
	}
}

// publishDiagnostics reports parse errors and ancestor-graph cycles.
func (s *Server) publishDiagnostics(notify glsp.NotifyFunc, uri string) {
	st := s.file(uri)
	if st == nil {
		return
	}

	diags := make([]protocol.Diagnostic, 0, len(st.res.Errors))
	src := Name
	for _, pe := range st.res.Errors {
		sev := protocol.DiagnosticSeverityError
		diags = append(diags, protocol.Diagnostic{
			Range:    s.byteRangeToProtocol(st.doc, doc.ByteRange{Start: pe.StartByte, End: pe.EndByte}),
			Severity: &sev,
			Source:   &src,
			Message:  pe.Message,
		})
	}

	l := s.index.Lock()
	if fid, ok := l.LookupFile(uri); ok {
		for _, cd := range l.CycleDiags(fid) {
			rng := doc.ByteRange{}
			for _, e := range l.Definitions(cd.FQN) {
				if e.File == fid {
					rng = e.NameRange
					break
				}
			}
			sev := protocol.DiagnosticSeverityWarning
			diags = append(diags, protocol.Diagnostic{
				Range:    s.byteRangeToProtocol(st.doc, rng),
				Severity: &sev,
				Source:   &src,
				Message:  "ancestry cycle through " + l.FQNString(cd.FQN),
			})
		}
	}
	l.Unlock()

	notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

// trimPrefixFold is a case-insensitive prefix check used by completion.
func trimPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
