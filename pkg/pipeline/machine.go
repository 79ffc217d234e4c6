package pipeline

import (
	"time"

	"github.com/petrijr/visionflow/pkg/api"
)

// MachineName is the registered name of the image-analysis machine.
const MachineName = "image-analysis"

// ConfidenceThreshold is the cut below which results get a low-confidence
// warning annotation before persisting.
const ConfidenceThreshold = 80.0

// Executor names bound by Executors.
const (
	ExecValidate         = "validate_image"
	ExecAnalyze          = "analyze_image"
	ExecSaveResults      = "save_results"
	ExecSendNotification = "send_notification"
	ExecLogSuccess       = "log_success"
	ExecValidationFailed = "notify_validation_failed"
	ExecHandleError      = "handle_error"
)

// retryTransient covers service hiccups and per-step timeouts.
var retryTransient = []api.RetryRule{{
	ErrorKinds:        []string{api.ErrorKindTransient, api.ErrorKindTimeout},
	Interval:          2 * time.Second,
	MaxAttempts:       3,
	BackoffMultiplier: 2.0,
}}

var catchAllToHandleError = []api.CatchRule{{
	ErrorKinds: []string{api.MatchAll},
	ResultPath: "$.error",
	Next:       "HandleError",
}}

// Machine builds the image-analysis workflow definition.
//
// Happy path: ValidateImage, AnalyzeWithRekognition, CheckConfidence, then
// SaveResults (directly at confidence >= 80, otherwise via
// LowConfidenceWarning), ParallelNotifications, ProcessingComplete.
// Error paths: a ValidationError out of ValidateImage routes to
// ValidationFailed; any other uncaught failure routes to HandleError; both
// end at ProcessingFailed.
func Machine() api.Definition {
	return api.Definition{
		Name:    MachineName,
		StartAt: "ValidateImage",
		States: map[string]api.State{
			"ValidateImage": {
				Type:           api.StateTask,
				Executor:       ExecValidate,
				TimeoutSeconds: 30,
				ResultPath:     "$",
				Retry:          retryTransient,
				Catch: []api.CatchRule{
					{
						ErrorKinds: []string{api.ErrorKindValidation},
						ResultPath: "$.error",
						Next:       "ValidationFailed",
					},
					{
						ErrorKinds: []string{api.MatchAll},
						ResultPath: "$.error",
						Next:       "HandleError",
					},
				},
				Next: "AnalyzeWithRekognition",
			},
			"AnalyzeWithRekognition": {
				Type:           api.StateTask,
				Executor:       ExecAnalyze,
				TimeoutSeconds: 120,
				ResultPath:     "$.analysis",
				Retry:          retryTransient,
				Catch:          catchAllToHandleError,
				Next:           "CheckConfidence",
			},
			"CheckConfidence": {
				Type: api.StateChoice,
				Choices: []api.ChoiceRule{{
					Variable:                 "$.analysis.confidence",
					NumericGreaterThanEquals: api.Float(ConfidenceThreshold),
					Next:                     "SaveResults",
				}},
				Default: "LowConfidenceWarning",
			},
			"LowConfidenceWarning": {
				Type:       api.StatePass,
				ResultPath: "$.warning",
				Result: map[string]any{
					"message":   "analysis confidence below threshold",
					"threshold": ConfidenceThreshold,
				},
				Next: "SaveResults",
			},
			"SaveResults": {
				Type:           api.StateTask,
				Executor:       ExecSaveResults,
				TimeoutSeconds: 30,
				ResultPath:     "$.persistence",
				Retry:          retryTransient,
				Catch:          catchAllToHandleError,
				Next:           "ParallelNotifications",
			},
			"ParallelNotifications": {
				Type:       api.StateParallel,
				ResultPath: "$.notifications",
				Catch:      catchAllToHandleError,
				Branches: []api.Definition{
					{
						Name:    "notify",
						StartAt: "SendNotification",
						States: map[string]api.State{
							"SendNotification": {
								Type:           api.StateTask,
								Executor:       ExecSendNotification,
								TimeoutSeconds: 15,
								ResultPath:     "$.notification",
								Retry: []api.RetryRule{{
									ErrorKinds:        []string{api.ErrorKindTransient, api.ErrorKindTimeout},
									Interval:          time.Second,
									MaxAttempts:       2,
									BackoffMultiplier: 2.0,
								}},
								Next: "NotificationSent",
							},
							"NotificationSent": {Type: api.StateSucceed},
						},
					},
					{
						Name:    "audit",
						StartAt: "LogSuccess",
						States: map[string]api.State{
							"LogSuccess": {
								Type:           api.StateTask,
								Executor:       ExecLogSuccess,
								TimeoutSeconds: 15,
								ResultPath:     "$.log",
								Next:           "SuccessLogged",
							},
							"SuccessLogged": {Type: api.StateSucceed},
						},
					},
				},
				Next: "ProcessingComplete",
			},
			"ProcessingComplete": {Type: api.StateSucceed},
			"ValidationFailed": {
				Type:           api.StateTask,
				Executor:       ExecValidationFailed,
				TimeoutSeconds: 15,
				ResultPath:     "$.notification",
				Catch: []api.CatchRule{{
					ErrorKinds: []string{api.MatchAll},
					ResultPath: "$.notification_error",
					Next:       "ProcessingFailed",
				}},
				Next: "ProcessingFailed",
			},
			"HandleError": {
				Type:           api.StateTask,
				Executor:       ExecHandleError,
				TimeoutSeconds: 30,
				ResultPath:     "$.error_handling",
				Catch: []api.CatchRule{{
					ErrorKinds: []string{api.MatchAll},
					ResultPath: "$.error_handling",
					Next:       "ProcessingFailed",
				}},
				Next: "ProcessingFailed",
			},
			"ProcessingFailed": {
				Type:      api.StateFail,
				ErrorKind: "ProcessingFailed",
				Cause:     "image processing pipeline failed",
			},
		},
	}
}
