package classifier

import (
	"fmt"
	"strings"

	"github.com/thongdx/aid/internal/store"
)

var jsonResponseGuides = strings.Join([]string{
	"Here are some guides on the response:",
	"- the response must be valid JSON, starting with { or [ and ending with } or ], without any formatting or explanation",
	"- do not include placeholders like 'hi [someone]' in the response text",
	"The response must be:",
}, "\n")

// renderConversation flattens the chat log into a boss/me transcript.
func renderConversation(chats []store.Chat) string {
	lines := make([]string, 0, len(chats))
	for _, chat := range chats {
		speaker := "me"
		if chat.Outbound {
			speaker = "my boss"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, chat.Content))
	}
	return strings.Join(lines, "\n")
}

func determineActionsPrompt(projects []store.Project, repos []store.Repo, chats []store.Chat) string {
	projectNames := make([]string, 0, len(projects))
	byID := make(map[string]string, len(projects))
	for _, p := range projects {
		projectNames = append(projectNames, p.Name)
		byID[p.ID] = p.Name
	}

	repoLines := make([]string, 0, len(repos))
	for _, r := range repos {
		repoLines = append(repoLines, fmt.Sprintf("%s: %s", byID[r.ProjectID], r.Name))
	}

	kinds := make([]string, 0, len(actionTypes))
	for _, t := range actionTypes {
		kinds = append(kinds, string(t))
	}

	return fmt.Sprintf(`I am a software developer.

I've been added to the following projects:
#PROJECTS#
%s

And corresponding repos:
#REPOS#
%s

Me and my boss are having this conversation:

%s

Based on the last message and the conversation, I would like to determine the actions to do.
Please list all possible actions in a valid JSON array.
Please remember to wrap ActionType in quotes.

%s
[
  {
    "type": ActionType,
    "chat": string,
    "project": string,
    "repo": string,
    "gitUrl": string,
    "gitAccessToken": string,
    "memory": string[],
    "baseBranch": string,
    "requirements": string[]
  }
]

Some information that helps on providing the response:
- ActionType is one of %s
- if ActionType is %s, suggest the appropriate response in the "chat" field
- if the last message answers a question I asked earlier, the ActionType is %s
- if the message defines my working style or any reminder for me, then the ActionType is %s and the "memory" field must be a string array containing the reminders and working style suggestions. Suggest an appropriate response in the "chat" field to tell that I understood.
- if ActionType is %s, suggest the appropriate project name in the "project" field and suggest an appropriate response in the "chat" field that tells my boss I'm happy to join the project
- if a Git Personal Access Token (PAT) is provided, then the ActionType must be %s.
The "project" field should match the project names listed above in the #PROJECTS# section, the "gitAccessToken" field must include the provided token.
If the "project" field is empty or it is not one of the projects I'm assigned to, then suggest a response in the "chat" field to ask for the project name.
- if a Git repository URL or repo base branch is provided, the ActionType must be %s.
The "gitUrl" field must contain the provided git URL.
The "repo" field must contain the provided name of the repo, or a guess from the git URL.
The "project" field should match the related project name listed above in the #PROJECTS# section.
If the "repo" field is empty then suggest a reply in the "chat" field to ask for the repository name.
- if the messages request me to perform some task then the ActionType is %s.
The "project" field should match the related project name listed above in the #PROJECTS# section.
The "repo" field should match the related repo name listed above in the #REPOS# section.
The "requirements" field must contain the requirement summary of the task.
The "baseBranch" field must contain the requested branch to start the task from.
If the project name is not detected then suggest a response in the "chat" field to ask for the project name.
If the project name is provided but it is not one of the projects I'm assigned to, then suggest a response in the "chat" field to ask for the correct project name.
If the project repo (not git repository) is missing then suggest a reply in the "chat" field to ask for the project repo.
If the project repo is provided but it is not one of the repos I'm assigned to, then suggest a reply in the "chat" field to ask for the correct repo name.`,
		strings.Join(projectNames, "\n"),
		strings.Join(repoLines, "\n"),
		renderConversation(chats),
		jsonResponseGuides,
		strings.Join(kinds, ","),
		ActionJustAChat,
		ActionAnswerPreviousQuestion,
		ActionUpdatePersonalInfo,
		ActionAssignNewProject,
		ActionUpdateProjectInfo,
		ActionUpdateProjectGitRepo,
		ActionGenerateTask,
	)
}

func determineDecisionPrompt(chats []store.Chat, decisionFormat string) string {
	decisionGuide := "can be null"
	if decisionFormat != "" {
		decisionGuide = fmt.Sprintf("must have this JSON format %s", decisionFormat)
	}

	return fmt.Sprintf(`As a developer, my boss and me are discussing this:
%s

Please help me determine whether my boss has given the decision on the current problem.
%s

{
  "chat": string,
  "positive": boolean,
  "decision": JSON
}

Some information that helps on providing the response:
- if my boss affirms the situation, set "positive" to true, otherwise set it to false
- if positive is false, please suggest a question in the "chat" field that I can ask him to clarify the problem
- the "decision" contains additional information on his decision and must be valid JSON
- the "decision" %s
- please check the keys of "decision" to populate the relevant information`,
		renderConversation(chats), jsonResponseGuides, decisionGuide)
}

func determineNewProjectNamePrompt(project *store.Project, chats []store.Chat) string {
	return fmt.Sprintf(`As a developer, my boss and me are discussing this:
%s

Please help me determine if my boss wants to start a new project or if it is an existing project.
%s

{
  "positive": boolean,
  "chat": string
}

Some information that helps on providing the response:
- if he decided to create a new project set "positive" to true, otherwise set it to false
- if positive is true, please suggest a reply in the "chat" field so that I can ask him for the new project name. The project name must not equal %q
- if positive is false, please suggest a reply in the "chat" field saying that I'm assigned to the project and ready to accept tasks`,
		renderConversation(chats), jsonResponseGuides, project.Name)
}

func verifyExistingProjectPrompt(project *store.Project) string {
	return fmt.Sprintf(`As a developer, my boss tells me that he added me to this project: %q in %q.

Because I have already been added to a project with the same name, please suggest a reply that I can send to my boss to confirm whether this is the same project or a new one.
%s

{
  "chat": string
}`,
		project.Name, project.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), jsonResponseGuides)
}

func resolveCurrentFollowUpPrompt(chats []store.Chat) string {
	return fmt.Sprintf(`As a developer, my boss and me are discussing this:
%s

Please suggest a reply to tell him that we have a pending decision to make and should finish it before talking about something else.
%s

{
  "chat": string
}`,
		renderConversation(chats), jsonResponseGuides)
}

func determineTaskRequirementsClearedPrompt(chats []store.Chat) string {
	return fmt.Sprintf(`As a developer, my boss and me are discussing this:
%s

Please help me determine if the requirements are clear enough for me to start working on the task.
%s

{
  "positive": boolean,
  "chat": string
}

Some information that helps on providing the response:
- if the requirements are clear, set the "positive" field to false, otherwise set it to true
- if the "positive" field is true, please suggest a response in the "chat" field so that I can ask for more detail about the task requirements
- if "positive" is false, please suggest a response in the "chat" field saying that I'm working on the task and will update the status`,
		renderConversation(chats), jsonResponseGuides)
}

func determineTaskSuccessPrompt(requirements []string, solution string) string {
	return fmt.Sprintf(`As a developer, my boss told me to create a Git diff for these requirements: %s

Here is my solution: %q

Based on the solution message, I would like to know if this solution solves the requirements.
%s

{
  "positive": boolean,
  "chat": string
}

Some information that helps on providing the response:
- if the solution fits the requirements, set the "positive" field to true
- if the "positive" field is true, ask what my boss thinks about the solution
- if "positive" is false, say sorry that I couldn't finish the task`,
		strings.Join(requirements, "\n"), solution, jsonResponseGuides)
}
