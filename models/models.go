package models

// Database schema overview:
// 1. users - accounts, authenticated with an access token cookie
// 2. companies, resumes, self_introductions - interview context documents
// 3. interview_sessions - one interview run and its stage machine state
// 4. turns - append-only answered questions with voice metrics
// 5. reports - at most one feedback report per session
// 6. conversation_threads, thread_messages - LLM dialogue history per session
