package artifacts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

func TestSave_FirstWriteIsVersionOne(t *testing.T) {
	s := NewStore(nil, nil)
	a, err := s.Save(context.Background(), "t1", "docs/PRD.md", task.RolePlanner, "# PRD", false)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if a.Version != 1 {
		t.Fatalf("version = %d, want 1", a.Version)
	}
	if a.ID == "" {
		t.Fatal("expected generated artifact id")
	}
}

func TestSave_IncrementProducesGaplessChain(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()
	if _, err := s.Save(ctx, "t1", "src/main.py", task.RoleEngineer, "v1", false); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 2; i <= 5; i++ {
		a, err := s.Save(ctx, "t1", "src/main.py", task.RoleDebugger, "vN", true)
		if err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
		if a.Version != i {
			t.Fatalf("version = %d, want %d", a.Version, i)
		}
	}
	chain := s.Versions("t1", "src/main.py")
	if len(chain) != 5 {
		t.Fatalf("chain length = %d, want 5", len(chain))
	}
	for i, a := range chain {
		if a.Version != i+1 {
			t.Fatalf("chain[%d].Version = %d, want %d", i, a.Version, i+1)
		}
	}
}

func TestSave_ConcurrentIncrementsNeverCollide(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()
	if _, err := s.Save(ctx, "t1", "src/main.py", task.RoleEngineer, "seed", false); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Save(ctx, "t1", "src/main.py", task.RoleDebugger, "fix", true); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	chain := s.Versions("t1", "src/main.py")
	if len(chain) != writers+1 {
		t.Fatalf("chain length = %d, want %d", len(chain), writers+1)
	}
	seen := make(map[int]bool)
	for _, a := range chain {
		if seen[a.Version] {
			t.Fatalf("duplicate version %d", a.Version)
		}
		seen[a.Version] = true
	}
	for v := 1; v <= writers+1; v++ {
		if !seen[v] {
			t.Fatalf("missing version %d", v)
		}
	}
}

func TestLatest(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()
	if _, err := s.Latest("t1", "nope.md"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Latest on empty = %v, want ErrNotFound", err)
	}
	_, _ = s.Save(ctx, "t1", "a.md", task.RolePlanner, "one", false)
	_, _ = s.Save(ctx, "t1", "a.md", task.RolePlanner, "two", true)
	a, err := s.Latest("t1", "a.md")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if a.Version != 2 || a.Content != "two" {
		t.Fatalf("Latest = v%d %q, want v2 \"two\"", a.Version, a.Content)
	}
}

func TestFiles_SortedMetadata(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()
	_, _ = s.Save(ctx, "t1", "src/main.py", task.RoleEngineer, "code", false)
	_, _ = s.Save(ctx, "t1", "src/main.py", task.RoleDebugger, "fixed", true)
	_, _ = s.Save(ctx, "t1", "docs/PRD.md", task.RolePlanner, "prd", false)
	_, _ = s.Save(ctx, "other", "docs/PRD.md", task.RolePlanner, "prd", false)

	files := s.Files("t1")
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if files[0].FilePath != "docs/PRD.md" || files[1].FilePath != "src/main.py" {
		t.Fatalf("unexpected order: %q, %q", files[0].FilePath, files[1].FilePath)
	}
	if files[1].LatestVersion != 2 || files[1].TotalVersions != 2 {
		t.Fatalf("src/main.py meta = v%d/%d, want v2/2", files[1].LatestVersion, files[1].TotalVersions)
	}
	if files[1].AgentRole != task.RoleDebugger {
		t.Fatalf("agent role = %q, want Debugger (latest writer)", files[1].AgentRole)
	}
}

type failingDurable struct{ calls int }

func (f *failingDurable) SaveArtifact(ctx context.Context, a Artifact) error {
	f.calls++
	return errors.New("db unavailable")
}

func TestSave_DurableFailureDoesNotSurface(t *testing.T) {
	d := &failingDurable{}
	s := NewStore(d, nil)
	if _, err := s.Save(context.Background(), "t1", "a.md", task.RolePlanner, "x", false); err != nil {
		t.Fatalf("Save must not surface persistence failures, got %v", err)
	}
	if d.calls != 1 {
		t.Fatalf("durable calls = %d, want 1", d.calls)
	}
	if _, err := s.Latest("t1", "a.md"); err != nil {
		t.Fatalf("in-memory truth lost after persistence failure: %v", err)
	}
}

func TestDiff_UnifiedFormat(t *testing.T) {
	out := Diff("a\nb\n", "a\nc\n")
	if !strings.Contains(out, "-b") {
		t.Fatalf("diff missing removal line:\n%s", out)
	}
	if !strings.Contains(out, "+c") {
		t.Fatalf("diff missing addition line:\n%s", out)
	}
	if !strings.Contains(out, "---") || !strings.Contains(out, "+++") {
		t.Fatalf("diff missing unified header:\n%s", out)
	}
}

func TestDiff_NoChange(t *testing.T) {
	if out := Diff("same\n", "same\n"); out != "" {
		t.Fatalf("diff of identical content = %q, want empty", out)
	}
}

func TestDrop_RemovesOnlyThatTask(t *testing.T) {
	s := NewStore(nil, nil)
	ctx := context.Background()
	_, _ = s.Save(ctx, "t1", "docs/PRD.md", task.RolePlanner, "prd", false)
	_, _ = s.Save(ctx, "t1", "src/main.py", task.RoleEngineer, "code", false)
	_, _ = s.Save(ctx, "t2", "docs/PRD.md", task.RolePlanner, "other", false)

	s.Drop("t1")

	if files := s.Files("t1"); len(files) != 0 {
		t.Fatalf("t1 files after drop: %d", len(files))
	}
	if _, err := s.Latest("t1", "docs/PRD.md"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Latest after drop = %v, want ErrNotFound", err)
	}
	if _, err := s.Latest("t2", "docs/PRD.md"); err != nil {
		t.Fatalf("t2 artifact lost: %v", err)
	}
}
