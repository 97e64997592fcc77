package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"fullscreen/board/internal/board"
	"fullscreen/board/internal/replica"
)

const (
	snapshotFile = "board.fullscreen"
	metaFile     = "meta.json"
	mainBranch   = "main"
)

// Revision is one archived version of a board.
type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// History keeps every archived snapshot of a board as a commit in a git
// repository under baseDir/<id>.
type History struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[board.ID]*sync.Mutex
}

func NewHistory(baseDir string) *History {
	return &History{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[board.ID]*sync.Mutex),
	}
}

// Put commits snapshot with a default message. An unchanged snapshot is not
// an error.
func (h *History) Put(ctx context.Context, id board.ID, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta := snapshotMeta(id, snapshot)
	author := meta.CreatedBy
	if author == "" {
		author = "fullscreen"
	}
	_, err := h.Commit(id, snapshot, meta, author, "Archive board")
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	return err
}

// Get returns the latest archived snapshot.
func (h *History) Get(ctx context.Context, id board.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Snapshot(id, "")
}

// Commit records snapshot as a new revision. It fails with ErrUnchanged when
// the snapshot and metadata equal the latest revision.
func (h *History) Commit(id board.ID, snapshot []byte, meta board.Meta, author, message string) (Revision, error) {
	if err := checkID(id); err != nil {
		return Revision{}, err
	}
	lock := h.boardLock(id)
	lock.Lock()
	defer lock.Unlock()

	repo, err := h.openOrInit(id)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, metaFile), append(payload, '\n'), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, snapshotFile), snapshot, 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	for _, name := range []string{metaFile, snapshotFile} {
		if _, err := worktree.Add(name); err != nil {
			return Revision{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return Revision{}, fmt.Errorf("read worktree status: %w", err)
	}
	if status.IsClean() {
		return Revision{}, ErrUnchanged
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.fullscreen.dev", sanitizeEmail(author)),
			When:  h.now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// Log lists revisions newest first. A limit of zero lists all of them.
func (h *History) Log(id board.ID, limit int) ([]Revision, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	lock := h.boardLock(id)
	lock.Lock()
	defer lock.Unlock()

	repo, err := h.open(id)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Snapshot returns the snapshot stored at rev, or at the latest revision
// when rev is empty.
func (h *History) Snapshot(id board.ID, rev string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	lock := h.boardLock(id)
	lock.Lock()
	defer lock.Unlock()

	repo, err := h.open(id)
	if err != nil {
		return nil, err
	}
	if rev == "" {
		rev = mainBranch
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("%w: revision %s of %s", ErrNotFound, rev, id)
	}
	commitObj, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", rev, err)
	}
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return raw, nil
}

// snapshotMeta reads the metadata recorded in snapshot, falling back to id.
func snapshotMeta(id board.ID, snapshot []byte) board.Meta {
	st := replica.NewStore()
	if err := st.Reset(snapshot); err != nil {
		return board.Meta{ID: id}
	}
	meta, _ := board.ReadMeta(st)
	if meta.ID == "" {
		meta.ID = id
	}
	return meta
}

func (h *History) repoPath(id board.ID) string {
	return filepath.Join(h.baseDir, string(id))
}

func (h *History) open(id board.ID) (*git.Repository, error) {
	repo, err := git.PlainOpen(h.repoPath(id))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (h *History) openOrInit(id board.ID) (*git.Repository, error) {
	path := h.repoPath(id)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (h *History) boardLock(id board.ID) *sync.Mutex {
	h.lockMu.Lock()
	defer h.lockMu.Unlock()
	lock, ok := h.locks[id]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	h.locks[id] = lock
	return lock
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
