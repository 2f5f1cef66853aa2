package browser

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"claimwatch/internal/observer"
	"claimwatch/internal/views"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// bindingName is the runtime binding the page calls for events that must
// arrive before the document goes away.
const bindingName = "__claimwatchSend"

// instrumentationJS runs in every frame of every document. Frames push into
// the top window's buffer when they can reach it; unload goes through the
// binding together with whatever is still buffered.
const instrumentationJS = `
(() => {
	if (window.__claimwatchHooked) return;
	window.__claimwatchHooked = true;

	const root = (() => {
		try { void window.top.location.href; return window.top; } catch (e) { return window; }
	})();
	if (!Array.isArray(root.__claimwatchEvents)) root.__claimwatchEvents = [];
	const push = (ev) => {
		try {
			ev.timestamp = Date.now();
			root.__claimwatchEvents.push(ev);
		} catch (e) {}
	};
	// send delivers the buffered events and ev through the host binding
	// right away. The buffer does not survive the document.
	const send = (ev) => {
		ev.timestamp = Date.now();
		let batch = [];
		try {
			batch = root.__claimwatchEvents.splice(0);
		} catch (e) {}
		batch.push(ev);
		try {
			if (typeof window.` + bindingName + ` === 'function') {
				window.` + bindingName + `(JSON.stringify(batch));
				return;
			}
		} catch (e) {}
		try { root.__claimwatchEvents.push(...batch); } catch (e) {}
	};
	const fieldName = (el) => (el && (el.id || el.name || el.getAttribute('aria-label'))) || '';

	const scan = () => {
		const frames = [];
		try {
			document.querySelectorAll('frame, iframe').forEach((f) => {
				const src = f.src || f.getAttribute('src') || '';
				if (src) frames.push(src);
			});
		} catch (e) {}
		const params = new URLSearchParams(location.search);
		const claimId = params.get('current_claim_id') || params.get('claim_id') || params.get('claimId') || '';
		push({
			type: 'claim_detected',
			url: location.href,
			title: document.title || '',
			frameUrls: frames,
			claimId: claimId,
			claimNumber: params.get('claim_number') || params.get('claim_no') || params.get('claimNumber') || '',
			claimantId: params.get('claimant_id') || params.get('claimantId') || '',
			insuranceType: params.get('insurance_type') || params.get('insuranceType') || '',
		});
	};
	if (window === root) {
		if (document.readyState === 'loading') {
			document.addEventListener('DOMContentLoaded', scan, { once: true });
		} else {
			scan();
		}
		window.addEventListener('load', scan, { once: true });
	}

	document.addEventListener('click', (ev) => {
		try {
			const tab = ev.target && ev.target.closest && ev.target.closest('[role="tab"], .tab, .tabs a, li.tab');
			if (tab) push({ type: 'tab_change', label: (tab.textContent || '').trim().slice(0, 80) });
		} catch (e) {}
	}, true);

	document.addEventListener('change', (ev) => {
		try {
			const t = ev.target || {};
			if (!/^(INPUT|SELECT|TEXTAREA)$/.test(t.tagName || '')) return;
			const hasValue = t.type === 'checkbox' || t.type === 'radio' ? !!t.checked : String(t.value || '') !== '';
			push({ type: 'field_change', field: fieldName(t), hasValue: hasValue });
		} catch (e) {}
	}, true);

	document.addEventListener('invalid', (ev) => {
		try {
			const t = ev.target || {};
			push({
				type: 'validation',
				field: fieldName(t),
				kind: 'constraint',
				isValid: false,
				errors: t.validationMessage ? [t.validationMessage] : [],
			});
		} catch (e) {}
	}, true);

	document.addEventListener('dblclick', (ev) => {
		try {
			const row = ev.target && ev.target.closest && ev.target.closest('[data-record-id], tr');
			if (!row) return;
			const target = row.getAttribute('data-record-id') || (row.textContent || '').trim().slice(0, 80);
			push({ type: 'record_double_click', target: target });
		} catch (e) {}
	}, true);

	const open = window.open;
	window.open = function (url) {
		push({ type: 'window_open_attempt', url: String(url || '') });
		return open.apply(this, arguments);
	};

	window.addEventListener('beforeunload', () => {
		send({ type: 'page_unload', url: location.href });
	});
})();
`

const drainJS = `
() => {
	const buf = Array.isArray(window.__claimwatchEvents) ? window.__claimwatchEvents : [];
	window.__claimwatchEvents = [];
	return buf;
}
`

// pollInstrumentation drains the page buffer on every tick and forwards the
// signals in page order.
func (s *surface) pollInstrumentation(ctx context.Context) {
	ticker := time.NewTicker(s.host.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
				JS:           drainJS,
				ByValue:      true,
				AwaitPromise: true,
			})
			if err != nil || res == nil || res.Value.Nil() {
				continue
			}
			raw, err := res.Value.MarshalJSON()
			if err != nil {
				continue
			}
			sigs, err := decodeSignals(raw)
			if err != nil {
				log.Printf("[view:%d] bad instrumentation batch: %v", s.spec.Ref.ID, err)
				continue
			}
			forwardSignals(s.host.eventSink(), s.spec.Ref, sigs)
		}
	}
}

// installBinding registers the unload binding. It is kept across
// navigations of the page.
func (s *surface) installBinding() error {
	return proto.RuntimeAddBinding{Name: bindingName}.Call(s.page)
}

// bindingCalled handles one synchronous batch from the page.
func (s *surface) bindingCalled(ev *proto.RuntimeBindingCalled) {
	sigs, ok := bindingSignals(ev)
	if !ok {
		return
	}
	forwardSignals(s.host.eventSink(), s.spec.Ref, sigs)
}

// bindingSignals decodes a binding call. Calls of other bindings and
// malformed payloads yield nothing.
func bindingSignals(ev *proto.RuntimeBindingCalled) ([]observer.Signal, bool) {
	if ev == nil || ev.Name != bindingName {
		return nil, false
	}
	sigs, err := decodeSignals([]byte(ev.Payload))
	if err != nil {
		log.Printf("[browser] bad %s payload: %v", bindingName, err)
		return nil, false
	}
	return sigs, true
}

func forwardSignals(sink EventSink, ref views.Ref, sigs []observer.Signal) {
	if sink == nil {
		return
	}
	for _, sig := range sigs {
		sink.OnInstrumentation(ref, sig)
	}
}

// decodeSignals parses one drained batch. Entries without a type are skipped.
func decodeSignals(raw []byte) ([]observer.Signal, error) {
	var batch []observer.Signal
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, err
	}
	out := batch[:0]
	for _, sig := range batch {
		if sig.Type != "" {
			out = append(out, sig)
		}
	}
	return out, nil
}
