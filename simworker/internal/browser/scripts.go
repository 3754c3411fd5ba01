package browser

// In-page scripts. Each returns a JSON string so the Go side decodes it
// with encoding/json.

// scrollerJS finds the primary scroller: the document when it scrolls,
// otherwise the largest nested scrollable element at least half the
// viewport wide.
const scrollerJS = `
function __uxsimScroller() {
	const doc = document.scrollingElement || document.documentElement;
	if (doc.scrollHeight > doc.clientHeight + 1) return doc;
	let best = null, bestArea = 0;
	for (const el of document.querySelectorAll('body *')) {
		if (el.scrollHeight <= el.clientHeight + 1) continue;
		const oy = getComputedStyle(el).overflowY;
		if (oy !== 'auto' && oy !== 'scroll') continue;
		const r = el.getBoundingClientRect();
		if (r.width < window.innerWidth * 0.5) continue;
		const area = r.width * r.height;
		if (area > bestArea) { best = el; bestArea = area; }
	}
	return best || doc;
}
`

const scrollInfoJS = `() => {` + scrollerJS + `
	const s = __uxsimScroller();
	const isDoc = s === (document.scrollingElement || document.documentElement);
	return JSON.stringify({
		scrollY: isDoc ? window.scrollY : s.scrollTop,
		viewportHeight: window.innerHeight,
		viewportWidth: window.innerWidth,
		pageHeight: isDoc ? Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0) : s.scrollHeight,
	});
}`

const scrollByJS = `(dy) => {` + scrollerJS + `
	const s = __uxsimScroller();
	const isDoc = s === (document.scrollingElement || document.documentElement);
	const before = isDoc ? window.scrollY : s.scrollTop;
	if (isDoc) window.scrollBy(0, dy); else s.scrollTop += dy;
	const after = isDoc ? window.scrollY : s.scrollTop;
	return JSON.stringify({moved: after - before});
}`

const overlayJS = `() => {
	const vw = window.innerWidth, vh = window.innerHeight;
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		const st = getComputedStyle(el);
		return r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
	};
	const semantic = document.querySelectorAll('[role="dialog"], [role="alertdialog"], dialog[open], [aria-modal="true"]');
	for (const el of semantic) {
		if (visible(el)) {
			return JSON.stringify({present: true, kind: 'semantic', label: (el.getAttribute('aria-label') || el.innerText || '').slice(0, 120)});
		}
	}
	let el = document.elementFromPoint(vw / 2, vh / 2);
	while (el && el !== document.body && el !== document.documentElement) {
		const st = getComputedStyle(el);
		if (st.position === 'fixed' || st.position === 'sticky') {
			const r = el.getBoundingClientRect();
			const cover = (Math.min(r.right, vw) - Math.max(r.left, 0)) * (Math.min(r.bottom, vh) - Math.max(r.top, 0));
			if (cover >= 0.6 * vw * vh) {
				return JSON.stringify({present: true, kind: 'geometric', label: (el.innerText || '').slice(0, 120)});
			}
		}
		el = el.parentElement;
	}
	return JSON.stringify({present: false});
}`

const elementsJS = `() => {
	const sel = 'a[href], button, input:not([type="hidden"]), textarea, select, summary, ' +
		'[role="button"], [role="link"], [role="checkbox"], [role="radio"], [role="tab"], ' +
		'[role="menuitem"], [role="option"], [role="switch"], [role="textbox"], [role="searchbox"], ' +
		'[role="combobox"], [role="slider"], [role="spinbutton"]';
	const vw = window.innerWidth, vh = window.innerHeight;
	const out = [];
	const seen = new Set();
	for (const el of document.querySelectorAll(sel)) {
		if (seen.has(el)) continue;
		seen.add(el);
		const r = el.getBoundingClientRect();
		if (r.width < 2 || r.height < 2) continue;
		const st = getComputedStyle(el);
		if (st.visibility === 'hidden' || st.display === 'none' || parseFloat(st.opacity) === 0) continue;
		if (el.disabled) continue;
		let label = el.getAttribute('aria-label') || el.innerText || el.value || el.placeholder ||
			el.getAttribute('title') || el.getAttribute('alt') || el.name || '';
		if (!label && el.id) {
			const l = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (l) label = l.innerText;
		}
		out.push({
			tag: el.tagName.toLowerCase(),
			role: el.getAttribute('role') || '',
			type: el.getAttribute('type') || '',
			label: String(label).slice(0, 300),
			href: el.tagName === 'A' ? el.getAttribute('href') || '' : '',
			x: r.left, y: r.top, width: r.width, height: r.height,
			inViewport: r.bottom > 0 && r.right > 0 && r.top < vh && r.left < vw,
		});
	}
	return JSON.stringify(out);
}`

const clearFocusedJS = `() => {
	const el = document.activeElement;
	if (!el) return JSON.stringify({ok: false});
	if (typeof el.select === 'function') el.select();
	if ('value' in el) {
		el.value = '';
		el.dispatchEvent(new Event('input', {bubbles: true}));
	} else if (el.isContentEditable) {
		el.textContent = '';
	}
	return JSON.stringify({ok: true});
}`

const mainHTMLJS = `() => {
	const main = document.querySelector('main, [role="main"], article') || document.body;
	return main ? main.outerHTML : '';
}`
