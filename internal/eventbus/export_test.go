package eventbus

// ResetDefault clears the process-wide bus between tests.
var ResetDefault = resetDefault
