package templates

// defaultTemplateID is the shipped base template every other template may
// extend.
const defaultTemplateID = "_default"

// DefaultDelimiters wrap structured replies in assistant output.
var DefaultDelimiters = Delimiters{
	Start: "<<<ORCHESTRATOR_RESPONSE>>>",
	End:   "<<<END_ORCHESTRATOR_RESPONSE>>>",
}

// builtinDefault returns the raw form of the shipped base template. It lives
// in code so a fresh install works before any template directory exists.
func builtinDefault() map[string]interface{} {
	return map[string]interface{}{
		"id":      defaultTemplateID,
		"name":    "Default",
		"version": "1",
		"config": map[string]interface{}{
			"maxWorkers":    5,
			"workerTimeout": 600000,
			"pollInterval":  2000,
			"spawnDelay":    1500,
			"minTasks":      1,
			"maxTasks":      20,
			"retry": map[string]interface{}{
				"maxRetries":     2,
				"retryOnError":   false,
				"retryOnTimeout": false,
			},
		},
		"delimiters": map[string]interface{}{
			"start": DefaultDelimiters.Start,
			"end":   DefaultDelimiters.End,
		},
		"prompts": map[string]interface{}{
			"analysis": map[string]interface{}{
				"system": "You are coordinating a large task. Analyse the request below and reply with a single " +
					DefaultDelimiters.Start + " block containing JSON {\"phase\":\"analysis\",\"data\":{\"summary\":...,\"recommended_splits\":...}} closed by " +
					DefaultDelimiters.End + ".",
				"user": "Working directory: {CWD}\n\nRequest: {USER_REQUEST}",
			},
			"task_planning": map[string]interface{}{
				"system": "Split the analysed work into independent tasks. Reply with one delimited block containing {\"phase\":\"task_list\",\"data\":{\"tasks\":[...]}}. Each task needs id, title, description; dependencies refer to task ids.",
				"user":   "Analysis summary: {ANALYSIS_SUMMARY}\n\nOriginal request: {USER_REQUEST}",
			},
			"worker_execution": map[string]interface{}{
				"system": "You are one worker in orchestrator {ORCHESTRATOR_ID}. Work only within your task scope. Report progress with delimited {\"phase\":\"progress\",...} blocks and finish with a {\"phase\":\"completion\",...} block.",
				"user":   "Task {TASK_ID}: {TASK_TITLE}\n\n{TASK_DESCRIPTION}\n\nScope: {TASK_SCOPE}\n\nOriginal request: {ORIGINAL_REQUEST}",
			},
			"aggregation": map[string]interface{}{
				"system": "Merge the worker outputs below into one coherent result. Reply with a delimited {\"phase\":\"aggregation\",...} block.",
				"user":   "Worker outputs:\n\n{WORKER_OUTPUTS}",
			},
			"verification": map[string]interface{}{
				"system": "Verify the aggregated result against the original request. Reply with a delimited {\"phase\":\"verification\",...} block.",
				"user":   "Original request: {ORIGINAL_REQUEST}",
			},
		},
	}
}
