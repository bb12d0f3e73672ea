package adapter

// Renderer probes. The assistant's renderer keeps its UI state on a global
// store object; these expressions harvest it and hand back plain JSON. The
// shapes returned here are the renderer's contract with this package only —
// nothing outside the adapter sees them.

const (
	probeListConversations = `() => JSON.stringify(
		(window.__appStore?.getState()?.sessions ?? []).map(s => ({
			id: s.id,
			cwd: s.workingDirectory ?? "",
			title: s.title ?? "",
			lastActivity: s.lastActivityAt ?? 0,
			messageCount: (s.messages ?? []).length,
			contextTokens: s.contextUsage?.tokens ?? 0,
			thinking: !!s.isStreaming,
			promptActive: !!s.promptFocused,
		})))`

	probeTranscript = `(id) => JSON.stringify(
		((window.__appStore?.getState()?.sessions ?? []).find(s => s.id === id)?.messages ?? [])
			.map(m => ({
				role: m.role,
				content: typeof m.content === "string" ? m.content : JSON.stringify(m.content),
				timestamp: m.timestamp ?? 0,
			})))`

	probeSwitch = `(id) => { window.__appActions?.switchSession(id); return "ok" }`

	probeStart = `(cwd, firstMessage, title, requestedId) => {
		const id = window.__appActions?.createSession({ cwd, title, id: requestedId || undefined });
		if (firstMessage) window.__appActions?.sendMessage(id, firstMessage);
		return id ?? ""
	}`

	probeArchive = `(id) => { window.__appActions?.archiveSession(id); return "ok" }`

	probeTypeAndSubmit = `(text) => {
		const input = document.querySelector('[data-testid="prompt-input"]');
		if (!input) return "no-input";
		input.focus();
		window.__appActions?.setPromptText(text);
		window.__appActions?.submitPrompt();
		return "ok"
	}`

	probeFocusInput = `() => {
		const input = document.querySelector('[data-testid="prompt-input"]');
		if (!input) return "no-input";
		input.focus();
		return "ok"
	}`

	probeSubmit = `() => { window.__appActions?.submitPrompt(); return "ok" }`

	probePendingPermissions = `() => JSON.stringify(
		(window.__appStore?.getState()?.pendingPermissions ?? []).map(p => ({
			id: p.id,
			conversationId: p.sessionId,
			tool: p.toolName,
			paramPreview: p.preview ?? "",
			riskLevel: p.risk ?? "medium",
			createdAt: p.createdAt ?? 0,
			expiresAt: p.expiresAt ?? 0,
		})))`

	probeRespondPermission = `(id, decision, override) => {
		window.__appActions?.respondPermission(id, decision, override || undefined);
		return "ok"
	}`

	probePendingQuestions = `() => JSON.stringify(
		(window.__appStore?.getState()?.pendingQuestions ?? []).map(q => ({
			id: q.id,
			conversationId: q.sessionId,
			text: q.text ?? "",
			options: q.options ?? [],
			createdAt: q.createdAt ?? 0,
			expiresAt: q.expiresAt ?? 0,
		})))`

	probeRespondQuestion = `(id, answers) => {
		window.__appActions?.answerQuestion(id, answers);
		return "ok"
	}`
)
