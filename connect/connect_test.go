package connect_test

import (
	"testing"

	"github.com/Logicalshift/flo-scene-sub002/connect"
	"github.com/Logicalshift/flo-scene-sub002/idregistry"
	"github.com/Logicalshift/flo-scene-sub002/outsink"
	"github.com/ardanlabs/kit/tests"
)

func init() {
	tests.Init("")
}

type applyCall struct {
	sink   outsink.Bindable
	stream idregistry.StreamId
	target connect.Target
}

type recordingNotifier struct {
	calls []applyCall
}

func (n *recordingNotifier) Apply(sink outsink.Bindable, stream idregistry.StreamId, target connect.Target) {
	n.calls = append(n.calls, applyCall{sink: sink, stream: stream, target: target})
}

func TestBindResolvesMostSpecificRuleFirst(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a graph with both an All rule and a Program rule for the same stream")
	{
		notifier := &recordingNotifier{}
		g := connect.New(notifier)

		sender := idregistry.Named("sender")
		other := idregistry.Named("other")
		target := idregistry.Named("catch-all-target")
		specific := idregistry.Named("specific-target")
		stream := idregistry.InputOf("")

		g.Connect(connect.AnySource(), stream, connect.ToProgram(target))
		g.Connect(connect.FromProgram(sender), stream, connect.ToProgram(specific))

		t.Log("\tWhen binding a sink on behalf of the named sender")
		{
			sink := outsink.New[string]()
			got := g.Bind(connect.FromProgram(sender), stream, sink)

			if got.Kind != connect.TargetProgram || !got.Program.Equal(specific) {
				t.Fatalf("\t\tShould resolve the Program-specific rule, got %+v", got)
			}
			t.Log("\t\tShould prefer the Program rule over the All rule")
		}

		t.Log("\tWhen binding a sink on behalf of a sender with no specific rule")
		{
			sink := outsink.New[string]()
			got := g.Bind(connect.FromProgram(other), stream, sink)

			if got.Kind != connect.TargetProgram || !got.Program.Equal(target) {
				t.Fatalf("\t\tShould fall back to the All rule, got %+v", got)
			}
			t.Log("\t\tShould fall back to the All rule")
		}
	}
}

func TestBindWithNoMatchingRuleReportsTargetNone(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a graph with no rules installed")
	{
		g := connect.New(&recordingNotifier{})
		sink := outsink.New[string]()

		t.Log("\tWhen binding a sink for an unregistered (source, stream) pair")
		{
			got := g.Bind(connect.FromProgram(idregistry.New()), idregistry.InputOf(""), sink)

			if got.Kind != connect.TargetNone {
				t.Fatalf("\t\tShould resolve to TargetNone, got %+v", got)
			}
			t.Log("\t\tShould report TargetNone rather than an error")
		}
	}
}

func TestConnectRenotifiesEveryBoundSink(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given two sinks bound to the same (source, stream) rule")
	{
		notifier := &recordingNotifier{}
		g := connect.New(notifier)

		source := connect.FromProgram(idregistry.Named("sender"))
		stream := idregistry.InputOf("")

		first := outsink.New[string]()
		second := outsink.New[string]()

		firstTarget := idregistry.Named("first-target")
		g.Connect(source, stream, connect.ToProgram(firstTarget))
		g.Bind(source, stream, first)
		g.Bind(source, stream, second)

		t.Log("\tWhen the rule is replaced with a new target")
		{
			notifier.calls = nil
			secondTarget := idregistry.Named("second-target")
			g.Connect(source, stream, connect.ToProgram(secondTarget))

			if len(notifier.calls) != 2 {
				t.Fatalf("\t\tShould notify every currently bound sink, got %d calls", len(notifier.calls))
			}
			for _, c := range notifier.calls {
				if c.target.Kind != connect.TargetProgram || !c.target.Program.Equal(secondTarget) {
					t.Fatalf("\t\tShould notify with the new target, got %+v", c.target)
				}
			}
			t.Log("\t\tShould re-notify both bound sinks with the new target")
		}
	}
}

func TestDisconnectTearsDownBoundSinks(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a sink bound to an existing rule")
	{
		notifier := &recordingNotifier{}
		g := connect.New(notifier)

		source := connect.AnySource()
		stream := idregistry.InputOf("")

		g.Connect(source, stream, connect.ToProgram(idregistry.Named("some-target")))
		sink := outsink.New[string]()
		g.Bind(source, stream, sink)

		t.Log("\tWhen the rule is disconnected")
		{
			notifier.calls = nil
			g.Disconnect(source, stream)

			if len(notifier.calls) != 1 || notifier.calls[0].target.Kind != connect.TargetNone {
				t.Fatalf("\t\tShould notify the sink with TargetNone, got %+v", notifier.calls)
			}
			t.Log("\t\tShould notify the bound sink that its rule is gone")
		}
	}
}

func TestUnbindStopsFutureNotifications(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a sink bound to a rule and then unbound")
	{
		notifier := &recordingNotifier{}
		g := connect.New(notifier)

		source := connect.AnySource()
		stream := idregistry.InputOf("")

		g.Connect(source, stream, connect.ToProgram(idregistry.Named("initial-target")))
		sink := outsink.New[string]()
		g.Bind(source, stream, sink)
		g.Unbind(sink)

		t.Log("\tWhen the rule changes again")
		{
			notifier.calls = nil
			g.Connect(source, stream, connect.ToProgram(idregistry.Named("later-target")))

			if len(notifier.calls) != 0 {
				t.Fatalf("\t\tShould not notify an unbound sink, got %d calls", len(notifier.calls))
			}
			t.Log("\t\tShould leave the unbound sink alone")
		}
	}
}

func TestFilteredSourceAndDefaultTargetResolve(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a rule keyed on a Filtered source with a Default target")
	{
		g := connect.New(&recordingNotifier{})
		stream := idregistry.StreamOf(idregistry.TypeOf(""))

		g.Connect(connect.FromFilter(nil), stream, connect.DefaultTarget())

		t.Log("\tWhen binding on behalf of that same filter")
		{
			sink := outsink.New[string]()
			got := g.Bind(connect.FromFilter(nil), stream, sink)

			if got.Kind != connect.TargetDefault {
				t.Fatalf("\t\tShould resolve the Filtered rule to Default, got %+v", got)
			}
			t.Log("\t\tShould resolve the Filtered-source rule")
		}
	}
}

func TestConnectReturnsThePreviousTarget(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a rule already installed for a (source, stream) pair")
	{
		g := connect.New(&recordingNotifier{})
		source := connect.AnySource()
		stream := idregistry.InputOf("")

		first := idregistry.Named("first-target")
		second := idregistry.Named("second-target")

		t.Log("\tWhen Connect installs the first rule")
		{
			got := g.Connect(source, stream, connect.ToProgram(first))
			if got.Kind != connect.TargetNone {
				t.Fatalf("\t\tShould report no previous rule, got %+v", got)
			}
			t.Log("\t\tShould report TargetNone as the previous rule")
		}

		t.Log("\tWhen Connect replaces it with a second rule")
		{
			got := g.Connect(source, stream, connect.ToProgram(second))
			if got.Kind != connect.TargetProgram || !got.Program.Equal(first) {
				t.Fatalf("\t\tShould report the first rule as previous, got %+v", got)
			}
			t.Log("\t\tShould report the rule that was just replaced")
		}

		t.Log("\tWhen Disconnect tears the rule down")
		{
			got := g.Disconnect(source, stream)
			if got.Kind != connect.TargetProgram || !got.Program.Equal(second) {
				t.Fatalf("\t\tShould report the second rule as previous, got %+v", got)
			}
			t.Log("\t\tShould report the rule that was just removed")
		}
	}
}

func TestRulesReturnsEveryInstalledRule(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given two distinct rules installed on a graph")
	{
		g := connect.New(&recordingNotifier{})
		streamA := idregistry.InputOf("")
		streamB := idregistry.InputOf(0)

		g.Connect(connect.AnySource(), streamA, connect.ToProgram(idregistry.Named("target-a")))
		g.Connect(connect.FromProgram(idregistry.Named("sender")), streamB, connect.DiscardTarget())

		t.Log("\tWhen Rules is called")
		{
			rules := g.Rules()
			if len(rules) != 2 {
				t.Fatalf("\t\tShould report both installed rules, got %d", len(rules))
			}
			t.Log("\t\tShould report a snapshot containing every installed rule")
		}
	}
}

func TestStreamIdWithDifferentSerialNamesShareOneRule(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given two StreamIds for the same type differing only by SerialName")
	{
		g := connect.New(&recordingNotifier{})
		source := connect.AnySource()

		plain := idregistry.InputOf("")
		named := plain.WithSerialName("app::Module::Type")

		target := idregistry.Named("canonical-target")
		g.Connect(source, plain, connect.ToProgram(target))

		t.Log("\tWhen binding a sink using the serial-named variant")
		{
			sink := outsink.New[string]()
			got := g.Bind(source, named, sink)

			if got.Kind != connect.TargetProgram || !got.Program.Equal(target) {
				t.Fatalf("\t\tShould resolve the same rule regardless of SerialName, got %+v", got)
			}
			t.Log("\t\tShould treat both StreamIds as the same rule key")
		}
	}
}
