package safety

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tiers = []Tier{TierOff, TierSafer, TierGod}

func rank(v Verdict) int {
	switch v {
	case Deny:
		return 0
	case Confirm:
		return 1
	default:
		return 2
	}
}

func TestEvaluate_BlockedCommandDeniedAtEveryTier(t *testing.T) {
	rules := DefaultRules()
	for _, cmd := range []string{
		"rm -rf /", "RM  -rf   /", "sudo rm -rf /", "mkfs.ext4 /dev/sda1", "dd if=/dev/zero of=/dev/sda",
		"ls; rm -rf /",
		"echo hi && mkfs /dev/sda",
		"true | dd if=/dev/zero of=/dev/sda",
		"FOO=1 rm -rf /",
		"false || env LANG=C sudo rm -rf /",
		"echo $(rm -rf /)",
		"echo `fdisk -l`",
		"ls\nrm -rf /",
		"(mkfs /dev/sda)",
		"echo x; :(){ :|:& };:",
	} {
		for _, tier := range tiers {
			d := Evaluate(rules, ActionFromCommand(cmd), tier)
			assert.Equal(t, Deny, d.Verdict, "%q at %s", cmd, tier)
		}
	}
}

func TestEvaluate_BlockedNamesInsideArguments(t *testing.T) {
	rules := DefaultRules()
	for _, cmd := range []string{"ls /tmp/mkfs-notes", "grep fdisk notes.txt", "cat dd.log"} {
		d := Evaluate(rules, ActionFromCommand(cmd), TierGod)
		assert.NotContains(t, d.Reason, "blocked", cmd)
	}
}

func TestEvaluate_SensitivePaths(t *testing.T) {
	rules := DefaultRules()
	a := ActionFromCommand("cat /etc/shadow")
	require.Equal(t, CategoryFileRead, a.Category)

	assert.Equal(t, Deny, Evaluate(rules, a, TierOff).Verdict)
	assert.Equal(t, Deny, Evaluate(rules, a, TierSafer).Verdict)
	assert.Equal(t, Confirm, Evaluate(rules, a, TierGod).Verdict)

	// Boundary: /system is not under /sys.
	b := NewAction(CategoryFileList, "/system/data")
	assert.Equal(t, Allow, Evaluate(rules, b, TierSafer).Verdict)

	c := NewAction(CategoryFileRead, "/proc/../proc/cpuinfo")
	assert.Equal(t, Deny, Evaluate(rules, c, TierSafer).Verdict)
}

func TestEvaluate_CategoryByTier(t *testing.T) {
	rules := DefaultRules()

	assert.Equal(t, Deny, Evaluate(rules, NewAction(CategoryFileList), TierOff).Verdict)
	assert.Equal(t, Allow, Evaluate(rules, NewAction(CategoryFileList), TierSafer).Verdict)
	assert.Equal(t, Deny, Evaluate(rules, NewAction(CategoryFileWrite), TierSafer).Verdict)
	assert.Equal(t, Allow, Evaluate(rules, NewAction(CategoryFileWrite), TierGod).Verdict)
	assert.Equal(t, Allow, Evaluate(rules, ActionFromCommand("touch /tmp/x"), TierGod).Verdict)
}

func TestEvaluate_RequireConfirmation(t *testing.T) {
	rules := DefaultRules().WithConfirmation()

	assert.Equal(t, Confirm, Evaluate(rules, NewAction(CategorySystemInfo), TierSafer).Verdict)
	assert.Equal(t, Confirm, Evaluate(rules, NewAction(CategoryCommand), TierGod).Verdict)
	assert.Equal(t, Deny, Evaluate(rules, NewAction(CategorySystemInfo), TierOff).Verdict)
}

func TestEvaluate_TierMonotonic(t *testing.T) {
	actions := []Action{
		ActionFromCommand("ls /home"),
		ActionFromCommand("cat /etc/passwd"),
		ActionFromCommand("df -h"),
		ActionFromCommand("rm -rf /"),
		ActionFromCommand("touch /tmp/file"),
		ActionFromCommand("ls /tmp > /tmp/out"),
		NewAction(CategoryFileWrite, "/tmp/a"),
		NewAction(CategoryFileRead, "/boot/grub"),
		NewAction("unknown"),
	}

	for _, rules := range []Rules{DefaultRules(), DefaultRules().WithConfirmation()} {
		for _, a := range actions {
			for i := 0; i+1 < len(tiers); i++ {
				lo := Evaluate(rules, a, tiers[i])
				hi := Evaluate(rules, a, tiers[i+1])
				if lo.Verdict == Deny {
					continue
				}
				assert.GreaterOrEqual(t, rank(hi.Verdict), rank(Confirm),
					"%q allowed at %s but %s at %s", a.Command, tiers[i], hi.Verdict, tiers[i+1])
			}
		}
	}
}

func TestActionFromCommand(t *testing.T) {
	a := ActionFromCommand("sudo ls -la /var/log")
	assert.Equal(t, CategoryFileList, a.Category)
	assert.Equal(t, []string{"/var/log"}, a.Paths)
	assert.NotEmpty(t, a.ID)

	b := ActionFromCommand("cat notes.txt | grep todo")
	assert.Equal(t, CategoryCommand, b.Category)

	assert.NotEqual(t, a.ID, ActionFromCommand("sudo ls -la /var/log").ID)
}

func TestActionFromCommand_ShellSyntaxIsACommand(t *testing.T) {
	rules := DefaultRules()
	for _, cmd := range []string{
		"ls $(touch /tmp/pwned)",
		"cat `id`",
		"ls\nrm -rf ~",
		"cat <(curl example.com)",
		"df >(sh)",
		"ls ${HOME}",
		"uptime & sh",
	} {
		a := ActionFromCommand(cmd)
		assert.Equal(t, CategoryCommand, a.Category, cmd)
		assert.Equal(t, Deny, Evaluate(rules, a, TierSafer).Verdict, cmd)
	}
}

func TestEngine_AuditLog(t *testing.T) {
	e := NewEngine(DefaultRules(), TierSafer)

	var seen []Decision
	e.OnDecision = func(d Decision) { seen = append(seen, d) }

	first := e.Check(ActionFromCommand("ls /tmp"))
	e.SetTier(TierOff)
	second := e.Check(ActionFromCommand("ls /tmp"))

	assert.Equal(t, Allow, first.Verdict)
	assert.Equal(t, Deny, second.Verdict)
	assert.Len(t, seen, 2)

	log := e.AuditLog(0)
	require.Len(t, log, 2)
	// Earlier decisions keep the tier they were made at.
	assert.Equal(t, TierSafer, log[0].Tier)
	assert.Equal(t, Allow, log[0].Verdict)
	assert.Equal(t, TierOff, log[1].Tier)
	assert.False(t, log[0].Time.IsZero())

	// Mutating the copy does not touch the engine.
	log[0].Verdict = Deny
	assert.Equal(t, Allow, e.AuditLog(0)[0].Verdict)

	recent := e.AuditLog(1)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ActionID, recent[0].ActionID)
}

func TestEngine_Flush(t *testing.T) {
	e := NewEngine(DefaultRules(), TierGod)
	e.Check(ActionFromCommand("uptime"))
	e.Check(ActionFromCommand("fdisk -l"))

	var buf bytes.Buffer
	require.NoError(t, e.Flush(&buf))

	var got []Decision
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var d Decision
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		got = append(got, d)
	}
	require.Len(t, got, 2)
	assert.Equal(t, TierGod, got[0].Tier)
	assert.Equal(t, Allow, got[0].Verdict)
	assert.Equal(t, Deny, got[1].Verdict)
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{"OFF": TierOff, "safer": TierSafer, " God ": TierGod, "": TierSafer} {
		got, err := ParseTier(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTier("root")
	assert.Error(t, err)
}

func TestExecutor_Exec(t *testing.T) {
	e := NewEngine(DefaultRules(), TierSafer)
	x := NewExecutor()

	a := ActionFromCommand("pwd")
	require.Equal(t, Allow, e.Check(a).Verdict)
	out, err := x.Exec(context.Background(), a.Command)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = x.Exec(context.Background(), "exit 3")
	assert.Error(t, err)

	x.Timeout = 20 * time.Millisecond
	_, err = x.Exec(context.Background(), "sleep 2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
