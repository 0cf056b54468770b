package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/pkg/config"
	"overseer/pkg/proto"
)

func testEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	return NewEngine(root, config.GuardrailConfig{GrowthMultiplier: 3.0, ShrinkMultiplier: 3.0}), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func patchPhase() *proto.Phase {
	phase := proto.NewPhase("run_1", 0, "patch test")
	phase.Category = "codegen"
	phase.AllowedPaths = []string{"src/"}
	phase.ProtectedPaths = []string{"migrations/"}
	return phase
}

const original = "package demo\n\nfunc Greet() string {\n\treturn \"hi\"\n}\n"

const cleanDiff = `--- a/src/demo.go
+++ b/src/demo.go
@@ -1,5 +1,5 @@
 package demo

 func Greet() string {
-	return "hi"
+	return "hello"
 }
`

func TestExactApply(t *testing.T) {
	engine, root := testEngine(t)
	writeFile(t, root, "src/demo.go", original)

	changes, err := Parse(cleanDiff)
	require.NoError(t, err)

	result, err := engine.Apply(changes, patchPhase())
	require.NoError(t, err)
	assert.Equal(t, []string{"src/demo.go"}, result.FilesChanged)
	assert.Equal(t, "exact", result.Strategies["src/demo.go"])
	assert.Zero(t, result.Drift)
	assert.Contains(t, readFile(t, root, "src/demo.go"), `return "hello"`)
}

func TestWhitespaceTolerantApply(t *testing.T) {
	engine, root := testEngine(t)
	// File uses spaces where the diff expects a tab.
	writeFile(t, root, "src/demo.go", strings.ReplaceAll(original, "\t", "    "))

	changes, err := Parse(cleanDiff)
	require.NoError(t, err)

	result, err := engine.Apply(changes, patchPhase())
	require.NoError(t, err)
	assert.Equal(t, "whitespace", result.Strategies["src/demo.go"])
}

func TestContextSearchTracksDrift(t *testing.T) {
	engine, root := testEngine(t)
	// Three comment lines shift the target block below its declared position.
	shifted := "// a\n// b\n// c\n" + original
	writeFile(t, root, "src/demo.go", shifted)

	changes, err := Parse(cleanDiff)
	require.NoError(t, err)

	result, err := engine.Apply(changes, patchPhase())
	require.NoError(t, err)
	assert.Equal(t, "context-search", result.Strategies["src/demo.go"])
	assert.Equal(t, 3, result.Drift)
	assert.Contains(t, readFile(t, root, "src/demo.go"), `return "hello"`)
}

func TestCorruptPatchRollsBackByteIdentical(t *testing.T) {
	engine, root := testEngine(t)
	writeFile(t, root, "src/demo.go", original)
	writeFile(t, root, "src/other.go", "package demo\n\nvar X = 1\n")

	// First file applies, second file's context does not exist anywhere.
	badDiff := cleanDiff + `--- a/src/other.go
+++ b/src/other.go
@@ -1,3 +1,3 @@
 package demo
-var Nonexistent = 9
+var Nonexistent = 10
`
	changes, err := Parse(badDiff)
	require.NoError(t, err)

	_, err = engine.Apply(changes, patchPhase())
	require.ErrorIs(t, err, ErrCorrupt)

	// Both files restored byte-identically, including the one that applied.
	assert.Equal(t, original, readFile(t, root, "src/demo.go"))
	assert.Equal(t, "package demo\n\nvar X = 1\n", readFile(t, root, "src/other.go"))
}

func TestApplyPreservesFileMode(t *testing.T) {
	engine, root := testEngine(t)
	script := "#!/bin/sh\necho hi\n"
	abs := filepath.Join(root, "src/build.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(script), 0o755))

	scriptDiff := `--- a/src/build.sh
+++ b/src/build.sh
@@ -1,2 +1,2 @@
 #!/bin/sh
-echo hi
+echo hello
`
	changes, err := Parse(scriptDiff)
	require.NoError(t, err)

	_, err = engine.Apply(changes, patchPhase())
	require.NoError(t, err)

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestRollbackPreservesFileMode(t *testing.T) {
	engine, root := testEngine(t)
	script := "#!/bin/sh\necho hi\n"
	abs := filepath.Join(root, "src/build.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(script), 0o755))
	writeFile(t, root, "src/other.go", "package demo\n\nvar X = 1\n")

	// Script change applies, then the second file's context fails the patch.
	badDiff := `--- a/src/build.sh
+++ b/src/build.sh
@@ -1,2 +1,2 @@
 #!/bin/sh
-echo hi
+echo hello
--- a/src/other.go
+++ b/src/other.go
@@ -1,3 +1,3 @@
 package demo
-var Nonexistent = 9
+var Nonexistent = 10
`
	changes, err := Parse(badDiff)
	require.NoError(t, err)

	_, err = engine.Apply(changes, patchPhase())
	require.ErrorIs(t, err, ErrCorrupt)

	assert.Equal(t, script, readFile(t, root, "src/build.sh"))
	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestNewFileCreation(t *testing.T) {
	engine, root := testEngine(t)

	newFileDiff := `--- /dev/null
+++ b/src/greeting.go
@@ -0,0 +1,3 @@
+package demo
+
+var Greeting = "hello"
`
	changes, err := Parse(newFileDiff)
	require.NoError(t, err)
	require.True(t, changes[0].IsNew)

	result, err := engine.Apply(changes, patchPhase())
	require.NoError(t, err)
	assert.Equal(t, "new-file", result.Strategies["src/greeting.go"])
	assert.Equal(t, "package demo\n\nvar Greeting = \"hello\"\n", readFile(t, root, "src/greeting.go"))
}

func TestNewFileOverExistingRollsBack(t *testing.T) {
	engine, root := testEngine(t)
	writeFile(t, root, "src/greeting.go", "package demo\n")

	newFileDiff := `--- /dev/null
+++ b/src/greeting.go
@@ -0,0 +1,1 @@
+package demo2
`
	changes, err := Parse(newFileDiff)
	require.NoError(t, err)

	_, err = engine.Apply(changes, patchPhase())
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, "package demo\n", readFile(t, root, "src/greeting.go"))
}

func TestGrowthGuardrailTripsAndRollsBack(t *testing.T) {
	engine, root := testEngine(t)
	small := "package demo\n\nvar X = 1\n"
	writeFile(t, root, "src/small.go", small)

	var grown strings.Builder
	grown.WriteString(`--- a/src/small.go
+++ b/src/small.go
@@ -1,3 +1,23 @@
 package demo

 var X = 1
`)
	for i := 0; i < 20; i++ {
		grown.WriteString("+// padding line\n")
	}

	changes, err := Parse(grown.String())
	require.NoError(t, err)

	_, err = engine.Apply(changes, patchPhase())
	var guardrail *GuardrailError
	require.ErrorAs(t, err, &guardrail)
	assert.Equal(t, "growth-exceeded", guardrail.Symptom)
	assert.Equal(t, small, readFile(t, root, "src/small.go"), "guardrail trip restores the file")

	issue := guardrail.Issue("codegen")
	assert.Equal(t, proto.SourceGuardrail, issue.Source)
	assert.Equal(t, proto.SeverityMajor, issue.Severity)
}

func TestGrowthWaiverAllowsLargeExpansion(t *testing.T) {
	engine, root := testEngine(t)
	writeFile(t, root, "src/small.go", "package demo\n\nvar X = 1\n")

	var grown strings.Builder
	grown.WriteString(`--- a/src/small.go
+++ b/src/small.go
@@ -1,3 +1,23 @@
 package demo

 var X = 1
`)
	for i := 0; i < 20; i++ {
		grown.WriteString("+// padding line\n")
	}

	changes, err := Parse(grown.String())
	require.NoError(t, err)

	phase := patchPhase()
	phase.AllowGrowth = true
	_, err = engine.Apply(changes, phase)
	require.NoError(t, err)
	assert.Contains(t, readFile(t, root, "src/small.go"), "padding line")
}

func TestUnbalancedResultRollsBack(t *testing.T) {
	engine, root := testEngine(t)
	writeFile(t, root, "src/demo.go", original)

	badDiff := `--- a/src/demo.go
+++ b/src/demo.go
@@ -1,5 +1,4 @@
 package demo

 func Greet() string {
-	return "hi"
-}
+	return "hello"
`
	changes, err := Parse(badDiff)
	require.NoError(t, err)

	_, err = engine.Apply(changes, patchPhase())
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, original, readFile(t, root, "src/demo.go"))
}

func TestPrecheckClassification(t *testing.T) {
	phase := patchPhase()
	changes, err := Parse(cleanDiff)
	require.NoError(t, err)

	assert.ErrorIs(t, Precheck(changes, true, phase, nil), ErrTruncated)
	assert.ErrorIs(t, Precheck(nil, false, phase, nil), ErrEmptyDiff)
	assert.NoError(t, Precheck(changes, false, phase, nil))
}

func TestPrecheckScopeAndProtected(t *testing.T) {
	phase := patchPhase()

	outDiff := strings.ReplaceAll(cleanDiff, "src/demo.go", "vendor/demo.go")
	changes, err := Parse(outDiff)
	require.NoError(t, err)
	var scope *ScopeError
	require.ErrorAs(t, Precheck(changes, false, phase, nil), &scope)
	assert.Equal(t, []string{"vendor/demo.go"}, scope.Paths)

	protDiff := strings.ReplaceAll(cleanDiff, "src/demo.go", "migrations/0001.sql")
	changes, err = Parse(protDiff)
	require.NoError(t, err)
	var prot *ProtectedError
	require.ErrorAs(t, Precheck(changes, false, phase, nil), &prot)
	assert.Equal(t, []string{"migrations/0001.sql"}, prot.Paths)

	// A granted allowance turns the protected hit into a clean precheck.
	assert.NoError(t, Precheck(changes, false, phase, []string{"migrations/0001.sql"}))
}

func TestDeleteFile(t *testing.T) {
	engine, root := testEngine(t)
	writeFile(t, root, "src/old.go", "package demo\n")

	delDiff := `--- a/src/old.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package demo
`
	changes, err := Parse(delDiff)
	require.NoError(t, err)
	require.True(t, changes[0].IsDelete)

	_, err = engine.Apply(changes, patchPhase())
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(root, "src/old.go"))
	assert.True(t, os.IsNotExist(statErr))
}
