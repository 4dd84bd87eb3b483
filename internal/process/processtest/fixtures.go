// Package processtest holds structure documents shared by package tests.
package processtest

// Linear is A (start) -> B -> end with no conditions.
const Linear = `
process:
  name: Linear
  version: 1.0.0
  enabled: true
  startActivityId: A
actors:
  - {id: clerk, name: Clerk, kind: user}
activities:
  - id: A
    name: First
    kind: userTask
    actorId: clerk
    paths:
      - {target: B}
    artifact:
      id: a-form
      kind: form
  - id: B
    name: Second
    kind: userTask
    actorId: clerk
    artifact:
      id: b-form
      kind: form
`

// Decision starts at a user task collecting x, then routes through decision C
// to D when x > 5 and to E otherwise.
const Decision = `
process:
  name: Decision
  version: 1.0.0
  enabled: true
  startActivityId: collect
actors:
  - {id: clerk, kind: user}
  - {id: robot, kind: system}
activities:
  - id: collect
    kind: userTask
    actorId: clerk
    paths:
      - {target: C}
    artifact:
      id: collect-form
      kind: form
      parameters:
        - {name: required, value: x}
  - id: C
    kind: decision
    actorId: robot
    paths:
      - {target: D, condition: "x > 5"}
      - {target: E}
  - id: D
    kind: userTask
    actorId: clerk
  - id: E
    kind: userTask
    actorId: clerk
`

// Purchase exercises conditions, artifact parameters, KPIs and a diagram
// block.
const Purchase = `
process:
  name: Purchase approval
  description: Approve purchase requests
  version: 2.1.0
  enabled: true
  creationDate: 2024-05-01T10:00:00Z
  startActivityId: request
  kpis:
    - name: cycle
      description: Request to order
      action: elapsed
      thresholds:
        - {name: normal, value: "48"}
        - {name: critical, value: "96"}
  kpiActions:
    - {type: 1, name: elapsed, script: "return hours;"}
actors:
  - {id: clerk, name: Clerk, kind: user}
  - {id: managers, name: Managers, kind: group}
  - {id: robot, name: Robot, kind: system}
activities:
  - id: request
    name: Request
    kind: userTask
    actorId: clerk
    color: "#336699"
    paths:
      - {target: review, condition: "amount > 1000"}
      - {target: order}
    artifact:
      id: request-form
      kind: form
      parameters:
        - {name: required, value: amount}
        - {name: contentType, value: application/json}
        - {name: maxSize, value: "4096"}
  - id: review
    name: Review
    kind: userTask
    actorId: managers
    confirm: true
    paths:
      - {target: route}
    kpis:
      - name: time
        action: reviewTime
        thresholds:
          - {name: normal, value: 8}
      - {name: handoffs, action: elapsed}
    kpiActions:
      - type: 2
        name: reviewTime
        description: Hours spent in review
    artifact:
      id: review-decision
      kind: decision
      parameters:
        - {name: variable, value: approved}
  - id: route
    name: Route
    kind: decision
    actorId: robot
    paths:
      - {target: order, condition: "approved == true"}
      - {target: rejected, condition: "approved == false"}
  - id: order
    name: Order
    kind: automaticTask
    actorId: robot
  - id: rejected
    name: Rejected
    kind: automaticTask
    actorId: robot
diagram:
  width: 800
  nodes:
    - {id: request, x: 10, y: 20}
    - {id: review, x: 120, y: 20}
`
